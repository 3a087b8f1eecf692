package types

import (
	"regexp"
)

// Topic names are opaque to the client but the broker still refuses
// anything that could not appear in a path segment.
var topicRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:/-]+$`)

// ValidateTopic checks a topic name before it reaches the broker
// FUNCTIONAL DISCOVERY: 200 characters leaves room for uuid room ids under
// every namespace prefix
func ValidateTopic(topic string) error {
	if len(topic) < 1 || len(topic) > 200 || !topicRegex.MatchString(topic) {
		return ErrInvalidTopic
	}
	return nil
}

// IsValidRole reports whether r belongs to the closed role set.
func IsValidRole(r Role) bool {
	switch r {
	case RolePresenter, RoleAttendee:
		return true
	default:
		return false
	}
}

func validateSender(session string) error {
	if session == "" {
		return ErrMissingSession
	}
	if session == LocalSessionID {
		return ErrReservedSession
	}
	return nil
}

func (e *JoinEvent) Validate() error {
	if err := validateSender(e.FromSession); err != nil {
		return err
	}
	if !IsValidRole(e.Role) {
		return ErrInvalidRole
	}
	return nil
}

func (e *LeaveEvent) Validate() error     { return validateSender(e.FromSession) }
func (e *ChatEvent) Validate() error      { return validateSender(e.FromSession) }
func (e *RaiseHandEvent) Validate() error { return validateSender(e.FromSession) }
func (e *LowerHandEvent) Validate() error { return validateSender(e.FromSession) }

func (e *PresenceUpdateEvent) Validate() error {
	if err := validateSender(e.FromSession); err != nil {
		return err
	}
	if e.Key == "" {
		return ErrMissingPresenceKey
	}
	return nil
}

// Validate checks the envelope matches its kind
// TECHNICAL DISCOVERY: offers and answers must carry SDP while candidate
// events must carry a candidate; anything else cannot be applied to a peer
func (e *SignalingEvent) Validate() error {
	if err := validateSender(e.FromSession); err != nil {
		return err
	}
	switch e.Kind {
	case SignalOffer, SignalAnswer:
		if e.SDP == "" {
			return ErrMissingSDP
		}
	case SignalCandidate:
		if e.Candidate == nil {
			return ErrMissingCandidate
		}
	default:
		return ErrInvalidSignalKind
	}
	return nil
}

func (e *MessageEvent) Validate() error {
	if e.Message == nil {
		return ErrMissingMessage
	}
	return e.Message.Validate()
}

// Validate ensures a message has an id and at least one of text or attachment.
func (m *Message) Validate() error {
	if m.ID == 0 {
		return ErrMissingMessageID
	}
	if m.Text == "" && m.Attachment == nil {
		return ErrEmptyMessage
	}
	return nil
}
