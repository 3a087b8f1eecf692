package interfaces

import (
	"context"

	"classlink/pkg/types"
)

// Backend is the REST collaborator consumed by the real-time layer
// ARCHITECTURAL DISCOVERY: the backend owns durable state (conversation ids,
// message ids, room credentials); the real-time layer only caches it
type Backend interface {
	// ResolveConversation returns the conversation between two users,
	// creating it on the backend if it does not exist yet.
	ResolveConversation(ctx context.Context, userA, userB string) (*types.ConversationRef, error)

	// FetchMessages returns one history page. before=0 means newest page.
	FetchMessages(ctx context.Context, conversationID string, before int64, limit int) ([]*types.Message, error)

	// SendMessage posts a draft and returns the stored message with its backend id.
	SendMessage(ctx context.Context, conversationID string, draft types.Draft) (*types.Message, error)

	// JoinRoom returns the per-session credential and ICE servers for a room.
	JoinRoom(ctx context.Context, roomID string) (*types.JoinTicket, error)
}
