package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

const ledgerKeyPrefix = "pacsfetch:retrieved:"

// LedgerEntry records one completed retrieval, so a rerun over the same date
// range can skip studies already on disk.
type LedgerEntry struct {
	StudyInstanceUID string    `json:"study_instance_uid"`
	Outcome          string    `json:"outcome"`
	RetrievedAt      time.Time `json:"retrieved_at"`
}

// Ledger is the retrieved-study set. Lookups degrade open: a cache error is
// logged and treated as "not retrieved", since re-pulling a study is safe
// and skipping one wrongly is not.
type Ledger struct {
	cache Cache
	ttl   time.Duration
}

// NewLedger wraps a cache backend. A zero TTL keeps entries until the
// backend evicts them.
func NewLedger(c Cache, ttl time.Duration) *Ledger {
	return &Ledger{cache: c, ttl: ttl}
}

// AlreadyRetrieved reports whether the study completed in a previous run.
func (l *Ledger) AlreadyRetrieved(ctx context.Context, studyUID string) bool {
	ok, err := l.cache.Exists(ctx, ledgerKeyPrefix+studyUID)
	if err != nil {
		log.Warn().Err(err).Str("study_uid", studyUID).Msg("Ledger lookup failed")
		return false
	}
	return ok
}

// MarkRetrieved records a completed retrieval. Only successful and warning
// outcomes should be recorded; failures must stay retrievable.
func (l *Ledger) MarkRetrieved(ctx context.Context, studyUID, outcome string) error {
	entry := LedgerEntry{
		StudyInstanceUID: studyUID,
		Outcome:          outcome,
		RetrievedAt:      time.Now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return l.cache.Set(ctx, ledgerKeyPrefix+studyUID, payload, l.ttl)
}

// Forget removes a study from the ledger, forcing the next run to pull it.
func (l *Ledger) Forget(ctx context.Context, studyUID string) error {
	return l.cache.Delete(ctx, ledgerKeyPrefix+studyUID)
}
