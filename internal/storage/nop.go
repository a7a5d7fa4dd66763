package storage

import (
	"context"
	"time"
)

// NewNop returns a Store that keeps no history.
func NewNop() Store {
	return nopStore{}
}

type nopStore struct{}

func (nopStore) Close() error          { return nil }
func (nopStore) History() HistoryStore { return nopHistory{} }

type nopHistory struct{}

func (nopHistory) Record(context.Context, SyncRecord) error { return nil }

func (nopHistory) Recent(context.Context, int) ([]SyncRecord, error) {
	return []SyncRecord{}, nil
}

func (nopHistory) DeleteBefore(context.Context, time.Time) (int, error) { return 0, nil }
