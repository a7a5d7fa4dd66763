package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	History() HistoryStore
}

// HistoryStore journals the outcome of every span a sync run tried to
// publish. It is advisory: the credentials marker stays the source of truth
// for what still needs to be sent.
type HistoryStore interface {
	Record(ctx context.Context, record SyncRecord) error
	Recent(ctx context.Context, limit int) ([]SyncRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}
