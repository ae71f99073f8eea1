package domain

import "context"

// StateStore persists small pieces of adapter state across restarts: the
// Telegram poll cursor and an index of already-delivered message IDs.
// Adapters and the manager accept a nil store and simply lose the state on
// restart.
type StateStore interface {
	LoadCursor(ctx context.Context, key string) (int64, error)
	SaveCursor(ctx context.Context, key string, value int64) error

	// MarkSeen records a message ID and reports whether it was new.
	MarkSeen(ctx context.Context, messageID string) (bool, error)

	Close() error
}
