package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/goodtune/avadhi/internal/auth"
	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/goodtune/avadhi/internal/publish"
	"github.com/goodtune/avadhi/internal/span"
	"github.com/goodtune/avadhi/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLoc = time.FixedZone("test", 2*60*60)

func at(day, hour, min int) time.Time {
	return time.Date(2025, time.June, day, hour, min, 0, 0, testLoc)
}

func date(day int) civil.Date {
	return civil.Date{Year: 2025, Month: time.June, Day: day}
}

type fakeSource struct {
	records []span.SessionRecord
	err     error
}

func (f *fakeSource) Sessions(context.Context) ([]span.SessionRecord, error) {
	return f.records, f.err
}

// threeDays has one session on each of June 9, 10 and 11.
func threeDays() *fakeSource {
	return &fakeSource{records: []span.SessionRecord{
		{Start: at(11, 9, 0), End: at(11, 11, 0)},
		{Start: at(9, 9, 0), End: at(9, 17, 30)},
		{Start: at(10, 8, 0), End: at(10, 16, 0)},
	}}
}

type fakePublisher struct {
	published []civil.Date
	batches   [][]civil.Date
	// fail returns the error for a date, if any.
	fail func(d civil.Date, call int) error
	// after runs once a publish returns.
	after func(d civil.Date)
	calls int
}

func (f *fakePublisher) Publish(ctx context.Context, s span.DailySpan) error {
	f.calls++
	if f.fail != nil {
		if err := f.fail(s.Date, f.calls); err != nil {
			return err
		}
	}
	f.published = append(f.published, s.Date)
	if f.after != nil {
		f.after(s.Date)
	}
	return nil
}

func (f *fakePublisher) PublishAll(ctx context.Context, spans []span.DailySpan) error {
	f.calls++
	var dates []civil.Date
	for _, s := range spans {
		dates = append(dates, s.Date)
	}
	if f.fail != nil {
		if err := f.fail(dates[0], f.calls); err != nil {
			return err
		}
	}
	f.batches = append(f.batches, dates)
	return nil
}

type fakeHistory struct {
	records []storage.SyncRecord
}

func (f *fakeHistory) Record(_ context.Context, r storage.SyncRecord) error {
	f.records = append(f.records, r)
	return nil
}

func (f *fakeHistory) Recent(context.Context, int) ([]storage.SyncRecord, error) {
	return f.records, nil
}

func (f *fakeHistory) DeleteBefore(context.Context, time.Time) (int, error) { return 0, nil }

type harness struct {
	fs        afero.Fs
	store     *credentials.Store
	publisher *fakePublisher
	history   *fakeHistory
	prompts   int
	prompt    auth.Prompt
}

func newHarness(t *testing.T, marker *civil.Date) *harness {
	t.Helper()

	h := &harness{fs: afero.NewMemMapFs(), publisher: &fakePublisher{}, history: &fakeHistory{}}
	h.store = credentials.Open(h.fs, "/creds/credentials.toml", zerolog.Nop())
	require.NoError(t, h.store.Adopt(credentials.Credentials{UserID: "u", AccessToken: "a", RefreshToken: "r"}))
	require.NoError(t, h.store.SetLastSyncedDate(marker))
	return h
}

func (h *harness) orchestrator(source *fakeSource) *Orchestrator {
	clock := clockwork.NewFakeClockAt(at(11, 12, 0))
	return New(source, h.publisher, h.store, h.prompt, h.history, clock, testLoc, zerolog.Nop())
}

func (h *harness) persistedMarker() *civil.Date {
	return credentials.Open(h.fs, "/creds/credentials.toml", zerolog.Nop()).Get().LastSyncedDate
}

func TestRun_PublishesInOrderAndFinalizesPastDays(t *testing.T) {
	h := newHarness(t, nil)

	result, err := h.orchestrator(threeDays()).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, []civil.Date{date(9), date(10), date(11)}, h.publisher.published)
	assert.Equal(t, 3, result.Published)
	assert.True(t, result.Advanced)

	// Today was published but is not final.
	require.NotNil(t, h.persistedMarker())
	assert.Equal(t, date(10), *h.persistedMarker())
	assert.Equal(t, date(10), *result.Marker)

	require.Len(t, h.history.records, 3)
	assert.True(t, h.history.records[1].Finalized)
	assert.False(t, h.history.records[2].Finalized)
	assert.Equal(t, storage.OutcomePublished, h.history.records[2].Outcome)
	assert.Equal(t, result.RunID, h.history.records[0].RunID)
}

func TestRun_ResendsBoundaryDay(t *testing.T) {
	marker := date(10)
	h := newHarness(t, &marker)

	result, err := h.orchestrator(threeDays()).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, []civil.Date{date(10), date(11)}, h.publisher.published)
	assert.False(t, result.Advanced)
	assert.Equal(t, date(10), *h.persistedMarker())
}

func TestRun_TodayOnlyDoesNotAdvance(t *testing.T) {
	h := newHarness(t, nil)
	source := &fakeSource{records: []span.SessionRecord{{Start: at(11, 9, 0), End: at(11, 11, 0)}}}

	result, err := h.orchestrator(source).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Published)
	assert.False(t, result.Advanced)
	assert.Nil(t, h.persistedMarker())
}

func TestRun_NothingPending(t *testing.T) {
	marker := date(12)
	h := newHarness(t, &marker)

	result, err := h.orchestrator(threeDays()).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Empty(t, result.Pending)
	assert.Zero(t, h.publisher.calls)
	assert.Empty(t, h.history.records)
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.publisher.fail = func(d civil.Date, _ int) error {
		if d == date(10) {
			return &publish.Error{Kind: publish.KindServerExhausted, Status: 503, Attempts: 3}
		}
		return nil
	}

	result, err := h.orchestrator(threeDays()).Run(context.Background(), Options{})
	require.ErrorIs(t, err, publish.ErrServerExhausted)

	assert.Equal(t, []civil.Date{date(9)}, h.publisher.published)
	assert.Equal(t, 1, result.Published)
	assert.Equal(t, date(9), *h.persistedMarker())

	require.Len(t, h.history.records, 2)
	assert.Equal(t, storage.OutcomeFailed, h.history.records[1].Outcome)
	assert.Contains(t, h.history.records[1].Error, "server retries exhausted")
}

func TestRun_SourceError(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.orchestrator(&fakeSource{err: errors.New("last: not found")}).Run(context.Background(), Options{})
	assert.Error(t, err)
	assert.Zero(t, h.publisher.calls)
}

func TestRun_SetupOnIncompleteCredentials(t *testing.T) {
	h := newHarness(t, nil)
	h.prompt = auth.PromptFunc(func(ctx context.Context, current credentials.Credentials) (credentials.Credentials, error) {
		h.prompts++
		return credentials.Credentials{UserID: "u2", AccessToken: "a2", RefreshToken: "r2"}, nil
	})
	h.publisher.fail = func(_ civil.Date, call int) error {
		if call == 1 {
			return &publish.Error{Kind: publish.KindConfigIncomplete, Missing: []string{"access_token"}}
		}
		return nil
	}

	_, err := h.orchestrator(threeDays()).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, h.prompts)
	assert.Equal(t, []civil.Date{date(9), date(10), date(11)}, h.publisher.published)
	assert.Equal(t, "u2", h.store.Get().UserID)
}

func TestRun_SetupWithoutUserIDKeepsStoredIdentity(t *testing.T) {
	h := newHarness(t, nil)
	h.prompt = auth.PromptFunc(func(ctx context.Context, current credentials.Credentials) (credentials.Credentials, error) {
		h.prompts++
		return credentials.Credentials{AccessToken: "a2", RefreshToken: "r2"}, nil
	})
	h.publisher.fail = func(_ civil.Date, call int) error {
		if call == 1 {
			return &publish.Error{Kind: publish.KindConfigIncomplete, Missing: []string{"access_token"}}
		}
		return nil
	}

	_, err := h.orchestrator(threeDays()).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, h.prompts)
	assert.Equal(t, "u", h.store.Get().UserID)
	assert.Equal(t, "a2", h.store.Get().AccessToken)
}

func TestRun_NoSetupForMissingEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.prompt = auth.PromptFunc(func(ctx context.Context, current credentials.Credentials) (credentials.Credentials, error) {
		h.prompts++
		return current, nil
	})
	h.publisher.fail = func(civil.Date, int) error {
		return &publish.Error{Kind: publish.KindConfigIncomplete, Missing: []string{"api.url"}}
	}

	_, err := h.orchestrator(threeDays()).Run(context.Background(), Options{})
	require.ErrorIs(t, err, publish.ErrConfigIncomplete)
	assert.Zero(t, h.prompts)
}

func TestRun_CancelledBetweenSpans(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.publisher.after = func(civil.Date) { cancel() }

	result, err := h.orchestrator(threeDays()).Run(ctx, Options{})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []civil.Date{date(9)}, h.publisher.published)
	assert.Equal(t, 1, result.Published)
	assert.Equal(t, date(9), *h.persistedMarker())
}

func TestRun_Batch(t *testing.T) {
	h := newHarness(t, nil)

	result, err := h.orchestrator(threeDays()).Run(context.Background(), Options{Batch: true})
	require.NoError(t, err)

	assert.Equal(t, [][]civil.Date{{date(9), date(10), date(11)}}, h.publisher.batches)
	assert.Equal(t, 3, result.Published)
	assert.Equal(t, date(10), *h.persistedMarker())
}

func TestRun_BatchFailureKeepsMarker(t *testing.T) {
	marker := date(8)
	h := newHarness(t, &marker)
	h.publisher.fail = func(civil.Date, int) error {
		return &publish.Error{Kind: publish.KindRejected, Status: 400}
	}

	result, err := h.orchestrator(threeDays()).Run(context.Background(), Options{Batch: true})
	require.ErrorIs(t, err, publish.ErrRejected)

	assert.Zero(t, result.Published)
	assert.False(t, result.Advanced)
	assert.Equal(t, date(8), *h.persistedMarker())
	require.Len(t, h.history.records, 3)
	assert.Equal(t, storage.OutcomeFailed, h.history.records[0].Outcome)
}

func TestRun_DryRun(t *testing.T) {
	h := newHarness(t, nil)

	result, err := h.orchestrator(threeDays()).Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	assert.Len(t, result.Pending, 3)
	assert.Zero(t, h.publisher.calls)
	assert.Nil(t, h.persistedMarker())
	require.Len(t, h.history.records, 3)
	assert.Equal(t, storage.OutcomeSkipped, h.history.records[0].Outcome)
}
