package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/avadhi/internal/storage"
)

// parseSyncRecord converts a Redis hash to SyncRecord
func parseSyncRecord(data map[string]string) (*storage.SyncRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	at, err := time.Parse(time.RFC3339Nano, data["at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse at: %w", err)
	}

	minutes, err := strconv.Atoi(data["minutes"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse minutes: %w", err)
	}

	finalized, err := strconv.ParseBool(data["finalized"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse finalized: %w", err)
	}

	outcome, err := storage.ParseOutcome(data["outcome"])
	if err != nil {
		return nil, err
	}

	return &storage.SyncRecord{
		ID:        data["id"],
		RunID:     data["run_id"],
		Date:      data["date"],
		Minutes:   minutes,
		Finalized: finalized,
		Outcome:   outcome,
		Error:     data["error"],
		At:        at,
	}, nil
}
