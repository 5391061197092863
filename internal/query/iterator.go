package query

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/radworks/pacsfetch/internal/metrics"
	"github.com/radworks/pacsfetch/pkg/dimse"
)

// Iterator yields study matches one find response at a time. It follows the
// scanner idiom: Next advances, Match returns the current row, Err reports
// why iteration stopped. The association is held open while iterating and
// released when the find completes or Close is called.
type Iterator struct {
	assoc          *dimse.Association
	ctxID          byte
	transferSyntax string

	current Match
	err     error
	done    bool
}

// Next blocks on the next find response. It returns false when the find has
// reached a terminal status or failed; Err distinguishes the two.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}

	for {
		_, msg, dataset, err := it.assoc.Receive()
		if err != nil {
			it.fail(fmt.Errorf("find response not received: %w", err))
			return false
		}
		if msg.CommandField != dimse.CFindRSP {
			it.fail(fmt.Errorf("unexpected command 0x%04x during find", msg.CommandField))
			return false
		}

		switch {
		case dimse.IsPending(msg.Status):
			if !msg.HasDataset() || len(dataset) == 0 {
				// A pending response without an identifier carries
				// nothing; keep waiting for the next one.
				continue
			}
			id, err := dimse.ParseIdentifier(dataset, it.transferSyntax)
			if err != nil {
				it.fail(fmt.Errorf("malformed find match: %w", err))
				return false
			}
			it.current = matchFromIdentifier(id)
			metrics.QueryMatches.Inc()
			return true

		case msg.Status == dimse.StatusSuccess:
			it.done = true
			if err := it.assoc.Release(); err != nil {
				log.Warn().Err(err).Msg("Query association release failed")
			}
			return false

		case msg.Status == dimse.StatusCancel:
			it.done = true
			it.assoc.Release()
			return false

		default:
			it.fail(fmt.Errorf("%w: status 0x%04x", ErrQueryFailed, msg.Status))
			return false
		}
	}
}

// Match returns the row produced by the last successful Next.
func (it *Iterator) Match() Match { return it.current }

// Err returns the error that stopped iteration, nil after a clean finish.
func (it *Iterator) Err() error { return it.err }

// Close cancels an in-progress find. The cancel request is sent on the same
// context, then the terminal (canceled) response is drained before release;
// a peer that never confirms gets an abort so the socket is not leaked.
func (it *Iterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true

	cancel := &dimse.Message{
		CommandField:              dimse.CCancelRQ,
		MessageIDBeingRespondedTo: 1,
		CommandDataSetType:        dimse.DatasetAbsent,
	}
	if err := it.assoc.Send(it.ctxID, cancel, nil); err != nil {
		return it.assoc.Abort()
	}

	// Drain pending responses racing the cancel until the terminal one.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, msg, _, err := it.assoc.ReceiveUntil(deadline)
		if err != nil {
			return it.assoc.Abort()
		}
		if !dimse.IsPending(msg.Status) {
			break
		}
	}
	return it.assoc.Release()
}

func (it *Iterator) fail(err error) {
	it.done = true
	it.err = err
	it.assoc.Abort()
}
