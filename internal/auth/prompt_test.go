package auth

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserID = "0b6f7c1e-8d1a-4c55-9a8e-0f5b8f2d1a11"

func newTestPrompt(input string) (*TerminalPrompt, *bytes.Buffer, *[]string) {
	var out bytes.Buffer
	var opened []string
	return &TerminalPrompt{
		In:       strings.NewReader(input),
		Out:      &out,
		LoginURL: "https://app.example.com/login",
		OpenBrowser: func(url string) error {
			opened = append(opened, url)
			return nil
		},
		Logger: zerolog.Nop(),
	}, &out, &opened
}

func TestTerminalPrompt_CollectsCredentials(t *testing.T) {
	p, out, opened := newTestPrompt(testUserID + "\naccess\nrefresh\n")
	marker := civil.Date{Year: 2025, Month: time.June, Day: 9}

	creds, err := p.Prompt(context.Background(), credentials.Credentials{LastSyncedDate: &marker})
	require.NoError(t, err)

	assert.Equal(t, testUserID, creds.UserID)
	assert.Equal(t, "access", creds.AccessToken)
	assert.Equal(t, "refresh", creds.RefreshToken)
	assert.Equal(t, &marker, creds.LastSyncedDate)
	assert.Equal(t, []string{"https://app.example.com/login"}, *opened)
	assert.Contains(t, out.String(), "https://app.example.com/login")
}

func TestTerminalPrompt_EmptyUserIDKeepsCurrent(t *testing.T) {
	p, out, _ := newTestPrompt("\naccess\nrefresh")

	creds, err := p.Prompt(context.Background(), credentials.Credentials{UserID: testUserID})
	require.NoError(t, err)

	assert.Equal(t, testUserID, creds.UserID)
	assert.Equal(t, "refresh", creds.RefreshToken)
	assert.Contains(t, out.String(), "User id ["+testUserID+"]: ")
}

func TestTerminalPrompt_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid user id", "not-a-uuid\naccess\nrefresh\n"},
		{"missing access token", testUserID + "\n\nrefresh\n"},
		{"input closed", testUserID + "\naccess\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newTestPrompt(tt.input)

			_, err := p.Prompt(context.Background(), credentials.Credentials{})
			assert.ErrorIs(t, err, ErrSetupAborted)
		})
	}
}

func TestTerminalPrompt_CancelledContext(t *testing.T) {
	p, _, _ := newTestPrompt(testUserID + "\naccess\nrefresh\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Prompt(ctx, credentials.Credentials{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTerminalPrompt_CancelWhileWaitingForInput(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	out := &lockedBuffer{}
	p, _, _ := newTestPrompt("")
	p.In = pr
	p.Out = out

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.Prompt(ctx, credentials.Credentials{})
		errc <- err
	}()

	// Let the prompt block on the first question before cancelling.
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "User id: ") }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Prompt did not return after cancellation")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
