package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/radworks/pacsfetch/internal/limits"
	"github.com/radworks/pacsfetch/internal/metrics"
	"github.com/radworks/pacsfetch/pkg/dimse"
)

// Config holds the storage receiver's settings.
type Config struct {
	Port         int
	AETitle      string
	OutputRoot   string
	Timeout      time.Duration
	MaxPDULength uint32
}

// Receiver is the C-STORE service class provider: a passive listener that
// runs for the whole program lifetime, accepting the inbound associations a
// move request triggers and persisting each pushed instance. Every accepted
// association is handled on its own goroutine; the limit guard is the only
// state shared with the rest of the run.
type Receiver struct {
	cfg   Config
	guard *limits.Guard

	listener net.Listener
	wg       sync.WaitGroup
}

// NewReceiver creates a receiver. Start must be called before any move is
// issued, or the archive's push associations have nothing to connect to.
func NewReceiver(cfg Config, guard *limits.Guard) *Receiver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Receiver{cfg: cfg, guard: guard}
}

// Start binds the listening port and begins accepting associations in the
// background. It returns once the listener is live. Cancelling ctx stops
// accepting new associations; in-flight ones finish their current write.
func (r *Receiver) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", r.cfg.Port, err)
	}
	r.listener = listener

	log.Info().
		Int("port", r.cfg.Port).
		Str("ae_title", r.cfg.AETitle).
		Str("output_root", r.cfg.OutputRoot).
		Msg("Storage receiver listening")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	r.wg.Add(1)
	go r.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listener address, valid after Start.
func (r *Receiver) Addr() net.Addr {
	return r.listener.Addr()
}

// Stop waits for the accept loop and all in-flight associations to finish.
// The listener itself is closed by the context wired into Start.
func (r *Receiver) Stop() {
	if r.listener != nil {
		r.listener.Close()
	}
	r.wg.Wait()
}

func (r *Receiver) acceptLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept failures (aborted connection, fd
			// exhaustion) must not take the listener down for the rest
			// of the run.
			log.Warn().Err(err).Msg("Failed to accept inbound connection")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConnection(conn)
		}()
	}
}

func (r *Receiver) handleConnection(conn net.Conn) {
	defer conn.Close()

	assoc, err := dimse.Accept(conn, dimse.AcceptorConfig{
		AETitle: r.cfg.AETitle,
		SupportsAbstractSyntax: func(uid string) bool {
			return uid == dimse.VerificationSOPClass || dimse.IsStorageSOPClass(uid)
		},
		Timeout:      r.cfg.Timeout,
		MaxPDULength: r.cfg.MaxPDULength,
	})
	if err != nil {
		log.Warn().Err(err).
			Str("remote", conn.RemoteAddr().String()).
			Msg("Inbound association rejected")
		return
	}

	metrics.AssociationsAccepted.Inc()
	log.Debug().
		Str("calling_aet", assoc.CallingAETitle()).
		Str("remote", conn.RemoteAddr().String()).
		Msg("Inbound association accepted")

	for {
		ctxID, msg, dataset, err := assoc.Receive()
		if err != nil {
			if errors.Is(err, dimse.ErrAssociationReleased) {
				return
			}
			log.Warn().Err(err).
				Str("calling_aet", assoc.CallingAETitle()).
				Msg("Inbound association ended abnormally")
			return
		}

		switch msg.CommandField {
		case dimse.CEchoRQ:
			rsp := &dimse.Message{
				CommandField:              dimse.CEchoRSP,
				MessageIDBeingRespondedTo: msg.MessageID,
				AffectedSOPClassUID:       msg.AffectedSOPClassUID,
				CommandDataSetType:        dimse.DatasetAbsent,
				Status:                    dimse.StatusSuccess,
			}
			if err := assoc.Send(ctxID, rsp, nil); err != nil {
				log.Warn().Err(err).Msg("Failed to answer echo")
				return
			}

		case dimse.CStoreRQ:
			status := r.handleStore(assoc, ctxID, msg, dataset)
			rsp := &dimse.Message{
				CommandField:              dimse.CStoreRSP,
				MessageIDBeingRespondedTo: msg.MessageID,
				AffectedSOPClassUID:       msg.AffectedSOPClassUID,
				AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
				CommandDataSetType:        dimse.DatasetAbsent,
				Status:                    status,
			}
			if err := assoc.Send(ctxID, rsp, nil); err != nil {
				log.Warn().Err(err).Msg("Failed to answer store")
				return
			}

		default:
			log.Warn().
				Uint16("command", msg.CommandField).
				Msg("Unexpected command on storage association")
			assoc.Abort()
			return
		}
	}
}

// handleStore persists one pushed instance and returns the status for the
// store response. The cap refusal and a local write failure keep the
// association alive; the peer decides whether to push the rest.
func (r *Receiver) handleStore(assoc *dimse.ServerAssociation, ctxID byte, msg *dimse.Message, dataset []byte) uint16 {
	ac := assoc.ContextByID(ctxID)
	if ac == nil || len(dataset) == 0 {
		metrics.StoreFailures.Inc()
		return dimse.StatusProcessingFail
	}

	if r.guard.IsDryRun() {
		return dimse.StatusSuccess
	}

	if !r.guard.ReserveImage() {
		metrics.ImagesRefused.Inc()
		log.Info().
			Str("sop_instance_uid", msg.AffectedSOPInstanceUID).
			Msg("Image cap reached, refusing store")
		return dimse.StatusOutOfResources
	}

	inst := r.extractInstance(msg, dataset, ac.TransferSyntax)
	path := ResolvePath(r.cfg.OutputRoot, inst)

	if err := r.writeInstance(path, inst, dataset); err != nil {
		r.guard.ReleaseImage()
		metrics.StoreFailures.Inc()
		log.Error().Err(err).
			Str("sop_instance_uid", inst.SOPInstanceUID).
			Str("path", path).
			Msg("Failed to write instance")
		return dimse.StatusProcessingFail
	}

	metrics.ImagesStored.Inc()
	metrics.BytesStored.Add(float64(len(dataset)))
	log.Debug().
		Str("sop_instance_uid", inst.SOPInstanceUID).
		Str("path", path).
		Int("bytes", len(dataset)).
		Msg("Instance stored")
	return dimse.StatusSuccess
}

// extractInstance scans just enough of the dataset header to place the file.
// The command set's affected UIDs back-fill anything the header scan misses,
// so a sparse header degrades to placeholder segments instead of an error.
func (r *Receiver) extractInstance(msg *dimse.Message, dataset []byte, transferSyntax string) IncomingInstance {
	inst := IncomingInstance{
		SOPClassUID:       msg.AffectedSOPClassUID,
		SOPInstanceUID:    msg.AffectedSOPInstanceUID,
		TransferSyntaxUID: transferSyntax,
	}

	id, err := dimse.ParseIdentifier(dataset, transferSyntax)
	if err != nil {
		log.Warn().Err(err).
			Str("sop_instance_uid", inst.SOPInstanceUID).
			Msg("Partial header scan, falling back to command attributes")
	}
	if id != nil {
		inst.PatientID = id.GetString(dimse.TagPatientID)
		inst.StudyInstanceUID = id.GetString(dimse.TagStudyInstanceUID)
		inst.SeriesInstanceUID = id.GetString(dimse.TagSeriesInstanceUID)
		if v := id.GetString(dimse.TagSOPInstanceUID); v != "" {
			inst.SOPInstanceUID = v
		}
		if v := id.GetString(dimse.TagSOPClassUID); v != "" {
			inst.SOPClassUID = v
		}
	}
	return inst
}

func (r *Receiver) writeInstance(path string, inst IncomingInstance, dataset []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	if err := writePart10(f, inst, dataset); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	return f.Close()
}
