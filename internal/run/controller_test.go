package run

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radworks/pacsfetch/internal/cache"
	"github.com/radworks/pacsfetch/internal/classify"
	"github.com/radworks/pacsfetch/internal/limits"
	"github.com/radworks/pacsfetch/internal/query"
	"github.com/radworks/pacsfetch/internal/retrieve"
	"github.com/radworks/pacsfetch/pkg/dimse"
)

type stubIterator struct {
	matches []query.Match
	pos     int
	err     error
	closed  bool
}

func (s *stubIterator) Next() bool {
	if s.closed || s.pos >= len(s.matches) {
		return false
	}
	s.pos++
	return true
}

func (s *stubIterator) Match() query.Match { return s.matches[s.pos-1] }
func (s *stubIterator) Err() error         { return s.err }
func (s *stubIterator) Close() error       { s.closed = true; return nil }

type stubFinder struct {
	it      *stubIterator
	openErr error
}

func (f *stubFinder) Find(ctx context.Context, params query.Params) (MatchIterator, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.it, nil
}

type stubRetriever struct {
	outcomes []retrieve.Outcome
	calls    []string
	cancel   context.CancelFunc // when set, fires before returning
}

func (r *stubRetriever) Retrieve(ctx context.Context, model dimse.QueryModel, studyUID, dest string) retrieve.Outcome {
	r.calls = append(r.calls, studyUID)
	out := retrieve.Outcome{Kind: retrieve.Success}
	if len(r.outcomes) > 0 {
		out = r.outcomes[0]
		r.outcomes = r.outcomes[1:]
	}
	if r.cancel != nil {
		r.cancel()
	}
	return out
}

func matches(uids ...string) []query.Match {
	out := make([]query.Match, len(uids))
	for i, uid := range uids {
		out[i] = query.Match{StudyInstanceUID: uid, ModalitiesInStudy: []string{"NM"}}
	}
	return out
}

func newController(finder Finder, retriever Retriever, guard *limits.Guard) *Controller {
	return &Controller{
		Finder:         finder,
		Retriever:      retriever,
		Guard:          guard,
		Model:          dimse.StudyRoot,
		DestinationAET: "STORESCP",
	}
}

func TestRunStudyCapLimitsAttempts(t *testing.T) {
	retriever := &stubRetriever{}
	c := newController(
		&stubFinder{it: &stubIterator{matches: matches("1.1", "1.2", "1.3")}},
		retriever,
		limits.NewGuard(1, 0, false),
	)

	summary, err := c.Run(context.Background(), query.Params{})
	require.NoError(t, err)

	assert.Equal(t, Succeeded, summary.Outcome)
	assert.Equal(t, 3, summary.Matched)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, []string{"1.1"}, retriever.calls)
}

func TestRunDryRunIssuesNoRetrievals(t *testing.T) {
	retriever := &stubRetriever{}
	c := newController(
		&stubFinder{it: &stubIterator{matches: matches("1.1", "1.2")}},
		retriever,
		limits.NewGuard(0, 0, true),
	)

	summary, err := c.Run(context.Background(), query.Params{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Matched)
	assert.Equal(t, 0, summary.Attempted)
	assert.Empty(t, retriever.calls)
}

func TestRunQueryFailure(t *testing.T) {
	c := newController(
		&stubFinder{openErr: assert.AnError},
		&stubRetriever{},
		limits.NewGuard(0, 0, false),
	)

	summary, err := c.Run(context.Background(), query.Params{})
	assert.ErrorIs(t, err, query.ErrQueryFailed)
	assert.Equal(t, Failed, summary.Outcome)
}

func TestRunQueryFailureMidIteration(t *testing.T) {
	it := &stubIterator{matches: matches("1.1"), err: query.ErrQueryFailed}
	c := newController(&stubFinder{it: it}, &stubRetriever{}, limits.NewGuard(0, 0, false))

	summary, err := c.Run(context.Background(), query.Params{})
	assert.ErrorIs(t, err, query.ErrQueryFailed)
	assert.Equal(t, Failed, summary.Outcome)
	assert.Equal(t, 1, summary.Attempted)
}

func TestRunWarningDoesNotStopBatch(t *testing.T) {
	retriever := &stubRetriever{outcomes: []retrieve.Outcome{
		{Kind: retrieve.Warning, Failed: 2},
		{Kind: retrieve.Success},
	}}
	c := newController(
		&stubFinder{it: &stubIterator{matches: matches("1.1", "1.2")}},
		retriever,
		limits.NewGuard(0, 0, false),
	)

	summary, err := c.Run(context.Background(), query.Params{})
	require.NoError(t, err)

	assert.Equal(t, Succeeded, summary.Outcome)
	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 1, summary.Warned)
	assert.Equal(t, 1, summary.Succeeded)
}

func TestRunFailureContinuesToNextStudy(t *testing.T) {
	retriever := &stubRetriever{outcomes: []retrieve.Outcome{
		{Kind: retrieve.Failure, Reason: "refused"},
		{Kind: retrieve.Success},
	}}
	c := newController(
		&stubFinder{it: &stubIterator{matches: matches("1.1", "1.2")}},
		retriever,
		limits.NewGuard(0, 0, false),
	)

	summary, err := c.Run(context.Background(), query.Params{})
	require.NoError(t, err)

	assert.Equal(t, Succeeded, summary.Outcome)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Len(t, retriever.calls, 2)
}

func TestRunCancellationMarksInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	retriever := &stubRetriever{cancel: cancel}
	it := &stubIterator{matches: matches("1.1", "1.2", "1.3")}
	c := newController(&stubFinder{it: it}, retriever, limits.NewGuard(0, 0, false))

	summary, err := c.Run(ctx, query.Params{})
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, Interrupted, summary.Outcome)
	assert.Len(t, retriever.calls, 1)
	assert.True(t, it.closed)
}

func TestRunModalityFilterSkips(t *testing.T) {
	retriever := &stubRetriever{}
	it := &stubIterator{matches: []query.Match{
		{StudyInstanceUID: "1.1", ModalitiesInStudy: []string{"CT"}},
		{StudyInstanceUID: "1.2", ModalitiesInStudy: []string{"NM"}},
	}}
	c := newController(&stubFinder{it: it}, retriever, limits.NewGuard(0, 0, false))
	c.Filter = classify.NewModalityFilter([]string{"NM"})

	summary, err := c.Run(context.Background(), query.Params{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Matched)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"1.2"}, retriever.calls)
}

func TestRunLedgerSkipsAndForceOverrides(t *testing.T) {
	ctx := context.Background()
	ledger := cache.NewLedger(cache.NewMemoryCache(), 0)
	require.NoError(t, ledger.MarkRetrieved(ctx, "1.1", "success"))

	retriever := &stubRetriever{}
	c := newController(
		&stubFinder{it: &stubIterator{matches: matches("1.1", "1.2")}},
		retriever,
		limits.NewGuard(0, 0, false),
	)
	c.Ledger = ledger

	summary, err := c.Run(ctx, query.Params{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"1.2"}, retriever.calls)

	retriever2 := &stubRetriever{}
	c2 := newController(
		&stubFinder{it: &stubIterator{matches: matches("1.1", "1.2")}},
		retriever2,
		limits.NewGuard(0, 0, false),
	)
	c2.Ledger = ledger
	c2.Force = true

	summary2, err := c2.Run(ctx, query.Params{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary2.Skipped)
	assert.Len(t, retriever2.calls, 2)
}
