package credentials

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPath = "/home/user/.config/avadhi/credentials.toml"

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	store := Open(afero.NewMemMapFs(), testPath, zerolog.Nop())

	assert.Equal(t, Credentials{}, store.Get())
	assert.ElementsMatch(t, []string{"user_id", "access_token", "refresh_token"}, store.Get().Missing())
}

func TestOpen_CorruptFileIsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testPath, []byte("user_id = [unterminated"), 0600))

	store := Open(fs, testPath, zerolog.Nop())
	assert.Equal(t, Credentials{}, store.Get())
}

func TestOpen_InvalidDateIsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testPath, []byte("user_id = 'u'\nlast_synced_date = 'yesterday'\n"), 0600))

	store := Open(fs, testPath, zerolog.Nop())
	assert.Equal(t, Credentials{}, store.Get())
}

func TestStore_RoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	marker := civil.Date{Year: 2025, Month: time.June, Day: 10}

	store := Open(fs, testPath, zerolog.Nop())
	require.NoError(t, store.Adopt(Credentials{
		UserID:       "0b6f7c1e-8d1a-4c55-9a8e-0f5b8f2d1a11",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	}))
	require.NoError(t, store.SetLastSyncedDate(&marker))

	reopened := Open(fs, testPath, zerolog.Nop())
	assert.Equal(t, store.Get(), reopened.Get())
	require.NotNil(t, reopened.Get().LastSyncedDate)
	assert.Equal(t, marker, *reopened.Get().LastSyncedDate)
	assert.True(t, reopened.Get().Complete())
}

func TestStore_FileIsHumanEditable(t *testing.T) {
	fs := afero.NewMemMapFs()
	doc := "user_id = 'abc'\naccess_token = 'a'\nrefresh_token = 'r'\nlast_synced_date = '2025-06-10'\n"
	require.NoError(t, afero.WriteFile(fs, testPath, []byte(doc), 0600))

	creds := Open(fs, testPath, zerolog.Nop()).Get()
	assert.Equal(t, "abc", creds.UserID)
	assert.Equal(t, "a", creds.AccessToken)
	assert.Equal(t, "r", creds.RefreshToken)
	require.NotNil(t, creds.LastSyncedDate)
	assert.Equal(t, "2025-06-10", creds.LastSyncedDate.String())
}

func TestStore_SetTokensPersistsImmediately(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := Open(fs, testPath, zerolog.Nop())
	require.NoError(t, store.Adopt(Credentials{UserID: "u", AccessToken: "a1", RefreshToken: "r1"}))

	require.NoError(t, store.SetTokens("a2", "r2"))

	onDisk := Open(fs, testPath, zerolog.Nop()).Get()
	assert.Equal(t, "a2", onDisk.AccessToken)
	assert.Equal(t, "r2", onDisk.RefreshToken)
	assert.Equal(t, "u", onDisk.UserID)

	exists, err := afero.Exists(fs, testPath+".tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_AdoptKeepsMarker(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := Open(fs, testPath, zerolog.Nop())
	marker := civil.Date{Year: 2025, Month: time.June, Day: 9}
	require.NoError(t, store.SetLastSyncedDate(&marker))

	require.NoError(t, store.Adopt(Credentials{UserID: "u", AccessToken: "a", RefreshToken: "r"}))

	require.NotNil(t, store.Get().LastSyncedDate)
	assert.Equal(t, marker, *store.Get().LastSyncedDate)
}

func TestStore_AdoptEmptyUserIDKeepsStoredIdentity(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := Open(fs, testPath, zerolog.Nop())
	require.NoError(t, store.Adopt(Credentials{UserID: "u", AccessToken: "a", RefreshToken: "r"}))

	require.NoError(t, store.Adopt(Credentials{AccessToken: "a2", RefreshToken: "r2"}))

	reopened := Open(fs, testPath, zerolog.Nop())
	assert.Equal(t, Credentials{UserID: "u", AccessToken: "a2", RefreshToken: "r2"}, reopened.Get())
}

func TestStore_ReloadPicksUpExternalWrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	daemon := Open(fs, testPath, zerolog.Nop())
	other := Open(fs, testPath, zerolog.Nop())

	require.NoError(t, other.Adopt(Credentials{UserID: "u", AccessToken: "a", RefreshToken: "r"}))
	assert.Empty(t, daemon.Get().AccessToken)

	daemon.Reload()
	assert.Equal(t, "a", daemon.Get().AccessToken)
}

func TestStore_SaveFailureKeepsMemoryState(t *testing.T) {
	store := Open(afero.NewReadOnlyFs(afero.NewMemMapFs()), testPath, zerolog.Nop())

	err := store.SetTokens("a2", "r2")
	require.Error(t, err)

	assert.Equal(t, "a2", store.Get().AccessToken)
	assert.Equal(t, "r2", store.Get().RefreshToken)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store := Open(afero.NewMemMapFs(), testPath, zerolog.Nop())
	marker := civil.Date{Year: 2025, Month: time.June, Day: 9}
	require.NoError(t, store.SetLastSyncedDate(&marker))

	c := store.Get()
	c.LastSyncedDate.Day = 30

	assert.Equal(t, 9, store.Get().LastSyncedDate.Day)
}

func TestLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.toml")

	unlock, err := Lock(context.Background(), path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	_, err = Lock(ctx, path)
	assert.Error(t, err)

	require.NoError(t, unlock())

	unlock2, err := Lock(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, unlock2())
}
