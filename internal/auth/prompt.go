package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/google/uuid"
	"github.com/pkg/browser"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// ErrSetupAborted is returned when interactive setup cannot collect a usable
// identity and token pair.
var ErrSetupAborted = errors.New("interactive setup aborted")

// Prompt collects fresh credentials from the operator.
type Prompt interface {
	Prompt(ctx context.Context, current credentials.Credentials) (credentials.Credentials, error)
}

// PromptFunc adapts a function to Prompt.
type PromptFunc func(ctx context.Context, current credentials.Credentials) (credentials.Credentials, error)

// Prompt calls f.
func (f PromptFunc) Prompt(ctx context.Context, current credentials.Credentials) (credentials.Credentials, error) {
	return f(ctx, current)
}

// TerminalPrompt asks for the user id and both tokens on a terminal. Tokens
// are read without echo when In is a terminal.
type TerminalPrompt struct {
	In          io.Reader
	Out         io.Writer
	LoginURL    string
	OpenBrowser func(url string) error
	Logger      zerolog.Logger
}

// NewTerminalPrompt returns a prompt on stdin/stdout that opens loginURL in
// the default browser.
func NewTerminalPrompt(loginURL string, logger zerolog.Logger) *TerminalPrompt {
	return &TerminalPrompt{
		In:          os.Stdin,
		Out:         os.Stdout,
		LoginURL:    loginURL,
		OpenBrowser: browser.OpenURL,
		Logger:      logger.With().Str("component", "setup").Logger(),
	}
}

// Prompt implements Prompt. An empty user id answer keeps the current one.
func (p *TerminalPrompt) Prompt(ctx context.Context, current credentials.Credentials) (credentials.Credentials, error) {
	reader := bufio.NewReader(p.In)

	if p.LoginURL != "" {
		fmt.Fprintf(p.Out, "Sign in at %s and copy your user id and tokens.\n", p.LoginURL)
		if p.OpenBrowser != nil {
			if err := p.OpenBrowser(p.LoginURL); err != nil {
				p.Logger.Debug().Err(err).Msg("Could not open browser")
			}
		}
	}

	userID, err := p.ask(ctx, reader, userIDLabel(current.UserID), false)
	if err != nil {
		return credentials.Credentials{}, err
	}
	if userID == "" {
		userID = current.UserID
	}
	if _, err := uuid.Parse(userID); err != nil {
		return credentials.Credentials{}, fmt.Errorf("%w: user id %q is not a valid UUID", ErrSetupAborted, userID)
	}

	accessToken, err := p.ask(ctx, reader, "Access token: ", true)
	if err != nil {
		return credentials.Credentials{}, err
	}
	refreshToken, err := p.ask(ctx, reader, "Refresh token: ", true)
	if err != nil {
		return credentials.Credentials{}, err
	}
	if accessToken == "" || refreshToken == "" {
		return credentials.Credentials{}, fmt.Errorf("%w: both tokens are required", ErrSetupAborted)
	}

	p.Logger.Info().Str("user_id", userID).Msg("Credentials entered")

	return credentials.Credentials{
		UserID:         userID,
		AccessToken:    accessToken,
		RefreshToken:   refreshToken,
		LastSyncedDate: current.LastSyncedDate,
	}, nil
}

type answer struct {
	text string
	err  error
}

// ask prints label and waits for one line. Cancelling ctx returns at once;
// the pending read is abandoned.
func (p *TerminalPrompt) ask(ctx context.Context, reader *bufio.Reader, label string, secret bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fmt.Fprint(p.Out, label)

	read := func() answer { return readLine(reader) }
	restore := func() {}

	if secret {
		if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			fd := int(f.Fd())
			read = func() answer { return readSecret(fd, p.Out) }
			if state, err := term.GetState(fd); err == nil {
				restore = func() { _ = term.Restore(fd, state) }
			}
		}
	}

	done := make(chan answer, 1)
	go func() { done <- read() }()

	select {
	case a := <-done:
		return a.text, a.err
	case <-ctx.Done():
		restore()
		fmt.Fprintln(p.Out)
		return "", ctx.Err()
	}
}

func readLine(reader *bufio.Reader) answer {
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return answer{err: fmt.Errorf("%w: input closed", ErrSetupAborted)}
		}
		return answer{err: fmt.Errorf("failed to read input: %w", err)}
	}
	return answer{text: strings.TrimSpace(line)}
}

func readSecret(fd int, out io.Writer) answer {
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return answer{err: fmt.Errorf("failed to read input: %w", err)}
	}
	return answer{text: strings.TrimSpace(string(b))}
}

func userIDLabel(current string) string {
	if current == "" {
		return "User id: "
	}
	return fmt.Sprintf("User id [%s]: ", current)
}
