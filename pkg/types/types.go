package types

import (
	"io"
	"time"
)

// LocalSessionID is the reserved participant key for the local user.
// Wire session ids are uuids, so no remote peer can collide with it.
const LocalSessionID = "local"

// Role is the participant's role inside a room. The set is closed.
type Role string

const (
	RolePresenter Role = "PRESENTER"
	RoleAttendee  Role = "ATTENDEE"
	// RoleUnknown is used for placeholder entries created before their JOIN.
	RoleUnknown Role = ""
)

// Well-known presence keys. Anything else lands in Participant.Presence.
const (
	PresenceMuted      = "muted"
	PresenceHandRaised = "handRaised"
	PresenceEmotion    = "emotion"
)

// StreamHandle is an attached media stream. Release must be idempotent.
type StreamHandle interface {
	ID() string
	Release() error
}

// Participant is one connected party inside a room
// FUNCTIONAL DISCOVERY: SessionID is short-lived; the same UserID may rejoin
// under a new SessionID after a reconnect
type Participant struct {
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id,omitempty"`
	DisplayName string            `json:"display_name"`
	Role        Role              `json:"role"`
	Muted       bool              `json:"muted"`
	HandRaised  bool              `json:"hand_raised"`
	Presence    map[string]string `json:"presence,omitempty"`
	Placeholder bool              `json:"placeholder,omitempty"`
	Stream      StreamHandle      `json:"-"`
	JoinedAt    time.Time         `json:"joined_at"`
}

// Clone returns a copy that shares the stream handle but not the presence map.
func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Presence != nil {
		cp.Presence = make(map[string]string, len(p.Presence))
		for k, v := range p.Presence {
			cp.Presence[k] = v
		}
	}
	return &cp
}

// Attachment is file metadata carried by a conversation message.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message is one entry of a one-to-one conversation
// ARCHITECTURAL DISCOVERY: ReplyTo is an embedded snapshot of the parent taken at
// send time; later edits of the parent are not reflected here
type Message struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	SenderName     string      `json:"sender_name,omitempty"`
	Text           string      `json:"text,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ReplyTo        *Message    `json:"reply_to,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ConversationRef is the backend's answer to a resolve-or-create call.
type ConversationRef struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// ICEServer mirrors one STUN/TURN entry returned by the join-room call.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// JoinTicket is the backend's answer to a join-room call.
type JoinTicket struct {
	RoomID     string      `json:"room_id"`
	SessionID  string      `json:"session_id"`
	Credential string      `json:"credential"`
	ICEServers []ICEServer `json:"ice_servers"`
}

// Identity is the explicit current-user object handed to the client.
// Credential is the bearer token for the broker and the backend.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Credential  string `json:"-"`
}

// Upload is a file part attached to a Draft.
type Upload struct {
	Name     string
	MIMEType string
	Reader   io.Reader
}

// Draft is an outgoing conversation message. ReplyTo is the parent id, 0 for none.
type Draft struct {
	Text    string
	ReplyTo int64
	File    *Upload
}
