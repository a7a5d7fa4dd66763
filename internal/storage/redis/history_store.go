package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/avadhi/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	syncKeyPrefix = "avadhi:sync:"
	syncIndexKey  = "avadhi:sync:index"
)

var (
	recordScript       = redis.NewScript(recordSyncScript)
	deleteBeforeScript = redis.NewScript(deleteSyncBeforeScript)
)

type historyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Record stores a sync record, assigning an ID when it has none
func (s *historyStore) Record(ctx context.Context, record storage.SyncRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.At.IsZero() {
		record.At = time.Now()
	}

	keys := []string{syncKeyPrefix + record.ID, syncIndexKey}
	args := []interface{}{
		record.ID,
		record.RunID,
		record.Date,
		record.Minutes,
		strconv.FormatBool(record.Finalized),
		string(record.Outcome),
		record.Error,
		record.At.UTC().Format(time.RFC3339Nano),
		record.At.UnixMilli(),
		int64(s.ttl.Seconds()),
	}

	if err := recordScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to record sync: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first
func (s *historyStore) Recent(ctx context.Context, limit int) ([]storage.SyncRecord, error) {
	if limit <= 0 {
		return []storage.SyncRecord{}, nil
	}

	ids, err := s.client.ZRevRange(ctx, syncIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.SyncRecord{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, syncKeyPrefix+id)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	// Parse results; expired records leave a dangling index entry
	records := make([]storage.SyncRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		record, err := parseSyncRecord(data)
		if err != nil {
			continue
		}
		records = append(records, *record)
	}

	return records, nil
}

// DeleteBefore removes records made before cutoff and returns how many
func (s *historyStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := deleteBeforeScript.Run(ctx, s.client, []string{syncIndexKey},
		syncKeyPrefix, cutoff.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to delete sync records: %w", err)
	}
	return n, nil
}
