package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/radworks/pacsfetch/internal/cache"
	"github.com/radworks/pacsfetch/internal/classify"
	"github.com/radworks/pacsfetch/internal/journal"
	"github.com/radworks/pacsfetch/internal/limits"
	"github.com/radworks/pacsfetch/internal/query"
	"github.com/radworks/pacsfetch/internal/retrieve"
	"github.com/radworks/pacsfetch/pkg/dimse"
)

// ErrInterrupted marks a run stopped by cancellation rather than completion
// or failure. Callers map it to the interrupted exit indication.
var ErrInterrupted = errors.New("run interrupted")

// Outcome is the run's final indication.
type Outcome string

const (
	Succeeded   Outcome = "succeeded"
	Failed      Outcome = "failed"
	Interrupted Outcome = "interrupted"
)

// Summary is the run's final accounting. Per-study failures and warnings are
// counted here, not escalated; only a failed query or an interrupt changes
// the outcome.
type Summary struct {
	Outcome      Outcome `json:"outcome"`
	Matched      int     `json:"matched"`
	Skipped      int     `json:"skipped"`
	Attempted    int     `json:"attempted"`
	Succeeded    int     `json:"succeeded"`
	Warned       int     `json:"warned"`
	Failed       int     `json:"failed"`
	ImagesStored int64   `json:"images_stored"`
}

// Finder yields study matches for a query. Satisfied by query.Engine.
type Finder interface {
	Find(ctx context.Context, params query.Params) (MatchIterator, error)
}

// MatchIterator is the scanner surface of query.Iterator.
type MatchIterator interface {
	Next() bool
	Match() query.Match
	Err() error
	Close() error
}

// Retriever runs one study's move. Satisfied by retrieve.Coordinator.
type Retriever interface {
	Retrieve(ctx context.Context, model dimse.QueryModel, studyUID, destinationAET string) retrieve.Outcome
}

// Controller drives one batch run: find, then one retrieval at a time,
// under the limit guard, until the matches are exhausted, a cap is hit, or
// cancellation arrives.
type Controller struct {
	Finder    Finder
	Retriever Retriever
	Guard     *limits.Guard
	Filter    *classify.ModalityFilter
	Ledger    *cache.Ledger    // optional, nil disables resume
	Journal   *journal.Journal // optional, nil-safe

	Model          dimse.QueryModel
	DestinationAET string
	PeerHost       string
	PeerAET        string
	Force          bool // retrieve even when the ledger says already done
}

type engineFinder struct {
	engine *query.Engine
}

// EngineFinder wraps the query engine as a Finder.
func EngineFinder(e *query.Engine) Finder {
	return engineFinder{engine: e}
}

func (f engineFinder) Find(ctx context.Context, params query.Params) (MatchIterator, error) {
	it, err := f.engine.Find(ctx, params)
	if err != nil {
		return nil, err
	}
	return it, nil
}

// Run executes the batch. The returned error is nil on a completed run
// (whatever the per-study outcomes were), ErrInterrupted on cancellation,
// and the underlying query error when the find itself could not complete.
func (c *Controller) Run(ctx context.Context, params query.Params) (Summary, error) {
	summary := Summary{Outcome: Succeeded}

	runRec := &journal.RunRecord{
		PeerHost: c.PeerHost,
		PeerAET:  c.PeerAET,
		DateFrom: params.StudyDateFrom,
		DateTo:   params.StudyDateTo,
		DryRun:   c.Guard.IsDryRun(),
	}
	if err := c.Journal.StartRun(ctx, runRec); err != nil {
		log.Warn().Err(err).Msg("Journal unavailable, continuing without history")
	}

	it, err := c.Finder.Find(ctx, params)
	if err != nil {
		summary.Outcome = Failed
		c.finishJournal(ctx, runRec, summary)
		return summary, fmt.Errorf("%w: %v", query.ErrQueryFailed, err)
	}

	interrupted := false
	for it.Next() {
		match := it.Match()
		summary.Matched++

		if ctx.Err() != nil {
			interrupted = true
			it.Close()
			break
		}

		if c.Filter != nil && !c.Filter.Keep(match) {
			summary.Skipped++
			continue
		}
		if !c.Force && c.Ledger != nil && c.Ledger.AlreadyRetrieved(ctx, match.StudyInstanceUID) {
			log.Info().
				Str("study_uid", match.StudyInstanceUID).
				Msg("Study already retrieved, skipping")
			summary.Skipped++
			continue
		}

		if c.Guard.IsDryRun() {
			log.Info().
				Str("study_uid", match.StudyInstanceUID).
				Str("patient_id", match.PatientID).
				Str("study_date", match.StudyDate).
				Msg("Dry run, would retrieve")
			continue
		}

		// Once the study cap is exhausted, keep draining the find so the
		// summary still reports the full match count.
		if !c.Guard.ReserveStudy() {
			continue
		}
		summary.Attempted++

		outcome := c.Retriever.Retrieve(ctx, c.Model, match.StudyInstanceUID, c.DestinationAET)
		c.recordRetrieval(ctx, runRec, match, outcome)

		switch outcome.Kind {
		case retrieve.Success:
			summary.Succeeded++
			c.markLedger(ctx, match.StudyInstanceUID, outcome.Kind.String())
		case retrieve.Warning:
			summary.Warned++
		case retrieve.Failure:
			summary.Failed++
		case retrieve.Interrupted:
			interrupted = true
		}
		if interrupted {
			it.Close()
			break
		}
	}

	summary.ImagesStored = c.Guard.ImagesStored()

	if err := it.Err(); err != nil && !interrupted {
		summary.Outcome = Failed
		c.finishJournal(ctx, runRec, summary)
		return summary, err
	}
	if interrupted || ctx.Err() != nil {
		summary.Outcome = Interrupted
		c.finishJournal(ctx, runRec, summary)
		return summary, ErrInterrupted
	}

	c.finishJournal(ctx, runRec, summary)
	log.Info().
		Int("matched", summary.Matched).
		Int("skipped", summary.Skipped).
		Int("attempted", summary.Attempted).
		Int("succeeded", summary.Succeeded).
		Int("warned", summary.Warned).
		Int("failed", summary.Failed).
		Int64("images_stored", summary.ImagesStored).
		Msg("Run complete")
	return summary, nil
}

func (c *Controller) markLedger(ctx context.Context, studyUID, outcome string) {
	if c.Ledger == nil {
		return
	}
	if err := c.Ledger.MarkRetrieved(ctx, studyUID, outcome); err != nil {
		log.Warn().Err(err).Str("study_uid", studyUID).Msg("Failed to update ledger")
	}
}

func (c *Controller) recordRetrieval(ctx context.Context, runRec *journal.RunRecord, match query.Match, outcome retrieve.Outcome) {
	err := c.Journal.RecordRetrieval(ctx, &journal.RetrievalRecord{
		RunID:            runRec.ID,
		StudyInstanceUID: match.StudyInstanceUID,
		PatientID:        match.PatientID,
		StudyDate:        match.StudyDate,
		Outcome:          outcome.Kind.String(),
		Status:           int(outcome.Status),
		Completed:        outcome.Completed,
		Failed:           outcome.Failed,
		Reason:           outcome.Reason,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to journal retrieval")
	}
}

func (c *Controller) finishJournal(ctx context.Context, runRec *journal.RunRecord, summary Summary) {
	runRec.Outcome = string(summary.Outcome)
	runRec.Matched = summary.Matched
	runRec.Attempted = summary.Attempted
	runRec.Succeeded = summary.Succeeded
	runRec.Warned = summary.Warned
	runRec.Failed = summary.Failed
	runRec.ImagesStored = summary.ImagesStored
	if err := c.Journal.FinishRun(ctx, runRec); err != nil {
		log.Warn().Err(err).Msg("Failed to finalize journal run record")
	}
}
