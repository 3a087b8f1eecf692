package interfaces

import (
	"context"

	"classlink/pkg/types"
)

// TopicStat summarizes journal activity for one topic.
type TopicStat struct {
	Topic    string `json:"topic"`
	Frames   int64  `json:"frames"`
	LastSeen string `json:"last_seen"`
}

// Journal records every frame the broker fans out
// FUNCTIONAL DISCOVERY: Append must complete before delivery so the admin API
// never shows less than what subscribers received
type Journal interface {
	Append(ctx context.Context, entry *types.JournalEntry) error
	Recent(ctx context.Context, topic string, limit int) ([]*types.JournalEntry, error)
	Topics(ctx context.Context) ([]TopicStat, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
