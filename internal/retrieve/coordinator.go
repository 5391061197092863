package retrieve

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/radworks/pacsfetch/internal/metrics"
	"github.com/radworks/pacsfetch/pkg/dimse"
)

// Kind classifies a retrieval job's terminal outcome.
type Kind int

const (
	// Success means every sub-operation completed.
	Success Kind = iota
	// Warning means the move finished but some sub-operations failed.
	// Recorded and counted, never fatal to the run.
	Warning
	// Failure means the archive rejected or aborted the move, or the
	// per-study ceiling elapsed first.
	Failure
	// Interrupted means cancellation stopped the job before a terminal
	// status arrived.
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Failure:
		return "failure"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one retrieval job.
type Outcome struct {
	Kind      Kind
	Status    uint16
	Completed int
	Failed    int
	Warned    int
	Reason    string
}

// Config identifies the archive moves are issued against and the receiver
// they deliver to.
type Config struct {
	Host       string
	Port       int
	CalledAET  string
	CallingAET string

	// Timeout bounds each protocol exchange.
	Timeout time.Duration

	// StudyTimeout is the ceiling on one whole study's retrieval. Archives
	// staging from slow storage can take far longer than any single
	// network exchange, so this is a separate, larger knob.
	StudyTimeout time.Duration
}

// Coordinator issues C-MOVE requests strictly one at a time. Archives may
// refuse concurrent associations from one initiator, so a size-one slot
// serializes jobs even if callers race.
type Coordinator struct {
	cfg  Config
	slot chan struct{}
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StudyTimeout == 0 {
		cfg.StudyTimeout = 5 * time.Minute
	}
	c := &Coordinator{cfg: cfg, slot: make(chan struct{}, 1)}
	c.slot <- struct{}{}
	return c
}

// Retrieve runs one move for a study and blocks until its terminal status,
// the per-study ceiling, or cancellation. The destination AE title names the
// storage receiver; the archive opens its own associations to it while this
// call waits.
func (c *Coordinator) Retrieve(ctx context.Context, model dimse.QueryModel, studyUID, destinationAET string) Outcome {
	select {
	case <-c.slot:
		defer func() { c.slot <- struct{}{} }()
	case <-ctx.Done():
		return Outcome{Kind: Interrupted, Reason: "cancelled before start"}
	}

	outcome := c.run(ctx, model, studyUID, destinationAET)
	metrics.RetrievalOutcomes.WithLabelValues(outcome.Kind.String()).Inc()

	evt := log.Info()
	if outcome.Kind == Failure {
		evt = log.Error()
	} else if outcome.Kind == Warning {
		evt = log.Warn()
	}
	evt.
		Str("study_uid", studyUID).
		Str("outcome", outcome.Kind.String()).
		Int("completed", outcome.Completed).
		Int("failed", outcome.Failed).
		Str("reason", outcome.Reason).
		Msg("Retrieval finished")

	return outcome
}

func (c *Coordinator) run(ctx context.Context, model dimse.QueryModel, studyUID, destinationAET string) Outcome {
	moveSOP := model.MoveSOPClass()

	assoc, err := dimse.Open(ctx, dimse.AssociationConfig{
		Host:       c.cfg.Host,
		Port:       c.cfg.Port,
		CallingAET: c.cfg.CallingAET,
		CalledAET:  c.cfg.CalledAET,
		Timeout:    c.cfg.Timeout,
		Contexts: []dimse.ProposedContext{
			{
				ID:             1,
				AbstractSyntax: moveSOP,
				TransferSyntaxes: []string{
					dimse.ImplicitVRLittleEndian,
					dimse.ExplicitVRLittleEndian,
				},
			},
		},
	})
	if err != nil {
		return Outcome{Kind: Failure, Reason: fmt.Sprintf("association failed: %v", err)}
	}
	metrics.AssociationsOpened.Inc()

	ac, err := assoc.ContextFor(moveSOP)
	if err != nil {
		assoc.Release()
		return Outcome{Kind: Failure, Reason: fmt.Sprintf("archive declined move model: %v", err)}
	}

	identifier := dimse.NewIdentifier()
	identifier.SetString(dimse.TagQueryRetrieveLevel, "STUDY")
	identifier.SetString(dimse.TagStudyInstanceUID, studyUID)

	req := &dimse.Message{
		CommandField:        dimse.CMoveRQ,
		MessageID:           1,
		AffectedSOPClassUID: moveSOP,
		MoveDestination:     destinationAET,
		CommandDataSetType:  dimse.DatasetPresent,
	}
	if err := assoc.Send(ac.ID, req, identifier.Encode(ac.TransferSyntax)); err != nil {
		assoc.Abort()
		return Outcome{Kind: Failure, Reason: fmt.Sprintf("move request not sent: %v", err)}
	}

	// Abort promptly on cancellation so the receive loop unblocks instead
	// of waiting out the study ceiling.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			assoc.Abort()
		case <-watchDone:
		}
	}()

	deadline := time.Now().Add(c.cfg.StudyTimeout)
	for {
		_, msg, _, err := assoc.ReceiveUntil(deadline)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{Kind: Interrupted, Reason: "cancelled mid-retrieval"}
			}
			assoc.Abort()
			return Outcome{Kind: Failure, Reason: fmt.Sprintf("move response not received: %v", err)}
		}
		if msg.CommandField != dimse.CMoveRSP {
			assoc.Abort()
			return Outcome{Kind: Failure, Reason: fmt.Sprintf("unexpected command 0x%04x during move", msg.CommandField)}
		}

		if dimse.IsPending(msg.Status) {
			log.Debug().
				Str("study_uid", studyUID).
				Uint16("remaining", counter(msg.NumberOfRemainingSuboperations)).
				Uint16("completed", counter(msg.NumberOfCompletedSuboperations)).
				Msg("Move in progress")
			continue
		}

		outcome := terminalOutcome(msg)
		if err := assoc.Release(); err != nil {
			log.Warn().Err(err).Str("study_uid", studyUID).Msg("Move association release failed")
		}
		return outcome
	}
}

// terminalOutcome classifies a non-pending move response. A nominally
// successful status that still reports failed sub-operations counts as a
// warning; the files that did arrive are kept either way.
func terminalOutcome(msg *dimse.Message) Outcome {
	out := Outcome{
		Status:    msg.Status,
		Completed: int(counter(msg.NumberOfCompletedSuboperations)),
		Failed:    int(counter(msg.NumberOfFailedSuboperations)),
		Warned:    int(counter(msg.NumberOfWarningSuboperations)),
	}

	switch {
	case msg.Status == dimse.StatusSuccess && out.Failed == 0 && out.Warned == 0:
		out.Kind = Success
	case msg.Status == dimse.StatusSuccess, dimse.IsWarning(msg.Status):
		out.Kind = Warning
		out.Reason = fmt.Sprintf("%d sub-operations failed, %d warned", out.Failed, out.Warned)
	case msg.Status == dimse.StatusCancel:
		out.Kind = Interrupted
		out.Reason = "move cancelled"
	default:
		out.Kind = Failure
		out.Reason = fmt.Sprintf("terminal status 0x%04x", msg.Status)
	}
	return out
}

func counter(v *uint16) uint16 {
	if v == nil {
		return 0
	}
	return *v
}
