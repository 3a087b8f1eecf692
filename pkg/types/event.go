package types

import (
	"encoding/json"
	"fmt"
)

// EventType is the value of the mandatory "type" discriminator.
type EventType string

const (
	EventJoin           EventType = "JOIN"
	EventLeave          EventType = "LEAVE"
	EventChat           EventType = "CHAT"
	EventRaiseHand      EventType = "RAISE_HAND"
	EventLowerHand      EventType = "LOWER_HAND"
	EventPresenceUpdate EventType = "PRESENCE_UPDATE"
	EventSignaling      EventType = "SIGNALING"
	EventMessage        EventType = "MESSAGE"
)

// SignalKind selects the payload carried by a SIGNALING event.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Event is the closed set of typed payloads carried on room and
// conversation topics.
type Event interface {
	Type() EventType
	// From returns the sender's wire session id, or "" when the event has none.
	From() string
	Validate() error
}

type JoinEvent struct {
	FromSession string `json:"fromSession"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
	UserID      string `json:"userId,omitempty"`
	// Reply marks a JOIN sent in answer to another one; replies are never answered.
	Reply bool `json:"reply,omitempty"`
}

type LeaveEvent struct {
	FromSession string `json:"fromSession"`
}

// ChatEvent is room-level chat. It is never stored in a conversation.
type ChatEvent struct {
	FromSession string `json:"fromSession"`
	Text        string `json:"text"`
}

type RaiseHandEvent struct {
	FromSession string `json:"fromSession"`
}

type LowerHandEvent struct {
	FromSession string `json:"fromSession"`
}

// PresenceUpdateEvent carries one key/value presence fact, e.g. emotion=happy.
type PresenceUpdateEvent struct {
	FromSession string `json:"fromSession"`
	Key         string `json:"key"`
	Value       string `json:"value"`
}

// ICECandidate mirrors the browser's RTCIceCandidateInit.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalingEvent is the offer/answer/candidate envelope. ToSession is empty
// for broadcasts; peers ignore events addressed to someone else.
type SignalingEvent struct {
	FromSession string        `json:"fromSession"`
	ToSession   string        `json:"toSession,omitempty"`
	Kind        SignalKind    `json:"kind"`
	SDP         string        `json:"sdp,omitempty"`
	Candidate   *ICECandidate `json:"candidate,omitempty"`
}

// MessageEvent is published on conversation topics by the backend after a send.
type MessageEvent struct {
	Message *Message `json:"message"`
}

func (e *JoinEvent) Type() EventType           { return EventJoin }
func (e *LeaveEvent) Type() EventType          { return EventLeave }
func (e *ChatEvent) Type() EventType           { return EventChat }
func (e *RaiseHandEvent) Type() EventType      { return EventRaiseHand }
func (e *LowerHandEvent) Type() EventType      { return EventLowerHand }
func (e *PresenceUpdateEvent) Type() EventType { return EventPresenceUpdate }
func (e *SignalingEvent) Type() EventType      { return EventSignaling }
func (e *MessageEvent) Type() EventType        { return EventMessage }

func (e *JoinEvent) From() string           { return e.FromSession }
func (e *LeaveEvent) From() string          { return e.FromSession }
func (e *ChatEvent) From() string           { return e.FromSession }
func (e *RaiseHandEvent) From() string      { return e.FromSession }
func (e *LowerHandEvent) From() string      { return e.FromSession }
func (e *PresenceUpdateEvent) From() string { return e.FromSession }
func (e *SignalingEvent) From() string      { return e.FromSession }
func (e *MessageEvent) From() string        { return "" }

// newEvent returns an empty event for a discriminator, or nil if unknown.
func newEvent(t EventType) Event {
	switch t {
	case EventJoin:
		return &JoinEvent{}
	case EventLeave:
		return &LeaveEvent{}
	case EventChat:
		return &ChatEvent{}
	case EventRaiseHand:
		return &RaiseHandEvent{}
	case EventLowerHand:
		return &LowerHandEvent{}
	case EventPresenceUpdate:
		return &PresenceUpdateEvent{}
	case EventSignaling:
		return &SignalingEvent{}
	case EventMessage:
		return &MessageEvent{}
	default:
		return nil
	}
}

// Decode turns a raw payload into a typed event. Every failure, including
// malformed JSON, a missing discriminator and an unknown type, is returned
// as a *DecodeError.
func Decode(raw []byte) (Event, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Err: ErrEmptyFrame}
	}

	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if head.Type == "" {
		return nil, &DecodeError{Err: ErrMissingType}
	}

	ev := newEvent(head.Type)
	if ev == nil {
		return nil, &DecodeError{Type: string(head.Type), Err: ErrUnknownEventType}
	}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, &DecodeError{Type: string(head.Type), Err: err}
	}
	if err := ev.Validate(); err != nil {
		return nil, &DecodeError{Type: string(head.Type), Err: err}
	}
	return ev, nil
}

// Encode marshals an event and stamps its "type" discriminator.
func Encode(ev Event) (json.RawMessage, error) {
	if ev == nil {
		return nil, fmt.Errorf("encode: nil event")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	typ, _ := json.Marshal(ev.Type())
	fields["type"] = typ

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return out, nil
}
