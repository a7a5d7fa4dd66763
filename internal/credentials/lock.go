package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay is how often Lock polls while another process holds it.
const lockRetryDelay = 250 * time.Millisecond

// Lock takes an exclusive advisory lock next to the credentials file so that
// only one process mutates it at a time (e.g. the daemon and a manual sync).
// The returned function releases the lock.
func Lock(ctx context.Context, credentialsPath string) (func() error, error) {
	dir := filepath.Dir(credentialsPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	lockPath := credentialsPath + ".lock"
	lock := flock.New(lockPath)

	ok, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("could not acquire lock %s: %w", lockPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("could not acquire lock %s", lockPath)
	}

	return lock.Close, nil
}
