package conversation

import "errors"

var (
	ErrClosed         = errors.New("conversation is closed")
	ErrEmptyDraft     = errors.New("draft needs text or a file")
	ErrMissingPeer    = errors.New("peer user id is required")
	ErrSelfChat       = errors.New("cannot open a conversation with yourself")
	ErrNoConversation = errors.New("backend returned no conversation")
	ErrUnsavedMessage = errors.New("backend returned a message without an id")
)
