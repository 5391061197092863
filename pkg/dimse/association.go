package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// AssociationState tracks where an association is in its lifecycle.
type AssociationState int

const (
	StateIdle AssociationState = iota
	StateRequested
	StateEstablished
	StateReleasing
	StateAborting
	StateClosed
)

func (s AssociationState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequested:
		return "REQUESTED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateReleasing:
		return "RELEASING"
	case StateAborting:
		return "ABORTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrNoAcceptedContext is returned when the peer rejected every proposed
// presentation context, or the one needed for an operation.
var ErrNoAcceptedContext = errors.New("dimse: no accepted presentation context")

// AssociationConfig holds configuration for an outbound DICOM association.
type AssociationConfig struct {
	Host         string
	Port         int
	CallingAET   string
	CalledAET    string
	Contexts     []ProposedContext
	Timeout      time.Duration
	MaxPDULength uint32
}

// Association is the requester side of a DICOM association. It owns the TCP
// connection and serializes all PDU traffic; callers must not interleave
// operations from multiple goroutines.
type Association struct {
	conn         net.Conn
	callingAET   string
	calledAET    string
	timeout      time.Duration
	maxPDULength uint32 // our receive limit
	peerMaxPDU   uint32 // peer's receive limit, governs outbound fragmentation
	accepted     map[byte]*AcceptedContext

	mu    sync.Mutex
	state AssociationState
}

// Open dials the peer and completes the association handshake. The entire
// handshake, dial included, is bounded by config.Timeout.
func Open(ctx context.Context, config AssociationConfig) (*Association, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384
	}
	if len(config.Contexts) == 0 {
		return nil, errors.New("dimse: no presentation contexts to propose")
	}

	// One deadline covers the dial and the handshake, so a slow connect
	// cannot stack a second full timeout on top.
	deadline := time.Now().Add(config.Timeout)

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	dialer := &net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	a := &Association{
		conn:         conn,
		callingAET:   config.CallingAET,
		calledAET:    config.CalledAET,
		timeout:      config.Timeout,
		maxPDULength: config.MaxPDULength,
		peerMaxPDU:   defaultMaxPDULength,
		state:        StateRequested,
	}

	if err := a.handshake(config.Contexts, deadline); err != nil {
		conn.Close()
		a.setState(StateClosed)
		return nil, err
	}

	a.setState(StateEstablished)
	return a, nil
}

func (a *Association) handshake(contexts []ProposedContext, deadline time.Time) error {
	if err := a.conn.SetDeadline(deadline); err != nil {
		return err
	}

	rq := buildAssociateRQ(a.callingAET, a.calledAET, contexts, a.maxPDULength)
	if err := writePDU(a.conn, pduAssociateRQ, rq); err != nil {
		return fmt.Errorf("failed to send associate request: %w", err)
	}

	pdu, err := readPDU(a.conn)
	if err != nil {
		return fmt.Errorf("failed to read associate response: %w", err)
	}

	switch pdu.Type {
	case pduAssociateAC:
	case pduAssociateRJ:
		if len(pdu.Data) >= 4 {
			return fmt.Errorf("association rejected: result=%d source=%d reason=%d",
				pdu.Data[1], pdu.Data[2], pdu.Data[3])
		}
		return errors.New("association rejected")
	case pduAbort:
		return errors.New("association aborted by peer during handshake")
	default:
		return fmt.Errorf("unexpected PDU type 0x%02x during handshake", pdu.Type)
	}

	proposed := make(map[byte]*AcceptedContext, len(contexts))
	for _, pc := range contexts {
		proposed[pc.ID] = &AcceptedContext{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax}
	}

	peerMax, err := parseAssociateAC(pdu.Data, proposed)
	if err != nil {
		return fmt.Errorf("failed to parse associate response: %w", err)
	}
	if peerMax > 0 {
		a.peerMaxPDU = peerMax
	}

	a.accepted = proposed

	for _, ac := range proposed {
		if ac.Accepted {
			return nil
		}
	}
	return ErrNoAcceptedContext
}

// State returns the current lifecycle state.
func (a *Association) State() AssociationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Association) setState(s AssociationState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// ContextFor returns the accepted presentation context for an abstract
// syntax, or ErrNoAcceptedContext when the peer declined it.
func (a *Association) ContextFor(abstractSyntax string) (*AcceptedContext, error) {
	for _, ac := range a.accepted {
		if ac.Accepted && ac.AbstractSyntax == abstractSyntax {
			return ac, nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrNoAcceptedContext, abstractSyntax)
}

// AcceptedContexts returns every context the peer accepted.
func (a *Association) AcceptedContexts() []*AcceptedContext {
	out := make([]*AcceptedContext, 0, len(a.accepted))
	for _, ac := range a.accepted {
		if ac.Accepted {
			out = append(out, ac)
		}
	}
	return out
}

// Send transmits a DIMSE message, with its dataset when non-nil, on the
// given presentation context. Bounded by the association timeout.
func (a *Association) Send(presContextID byte, msg *Message, dataset []byte) error {
	if st := a.State(); st != StateEstablished {
		return fmt.Errorf("cannot send in state %s", st)
	}
	if err := a.conn.SetWriteDeadline(time.Now().Add(a.timeout)); err != nil {
		return err
	}
	return sendMessage(a.conn, presContextID, a.peerMaxPDU, msg, dataset)
}

// Receive reads the next complete DIMSE message, bounded by the association
// timeout.
func (a *Association) Receive() (byte, *Message, []byte, error) {
	return a.ReceiveUntil(time.Now().Add(a.timeout))
}

// ReceiveUntil reads the next complete DIMSE message with an explicit
// deadline. Retrieval waits use this with the per-study ceiling, which can
// exceed the base network timeout.
func (a *Association) ReceiveUntil(deadline time.Time) (byte, *Message, []byte, error) {
	if st := a.State(); st != StateEstablished {
		return 0, nil, nil, fmt.Errorf("cannot receive in state %s", st)
	}
	if err := a.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, nil, err
	}
	ctxID, msg, dataset, err := receiveMessage(a.conn)
	if err != nil {
		var abortErr peerAbortError
		var releaseErr peerReleaseError
		if errors.As(err, &abortErr) || errors.As(err, &releaseErr) {
			a.conn.Close()
			a.setState(StateClosed)
		}
		return 0, nil, nil, err
	}
	return ctxID, msg, dataset, nil
}

// Release performs a graceful release. When the peer does not answer with
// A-RELEASE-RP in time the association is aborted instead, so the socket is
// never left dangling.
func (a *Association) Release() error {
	a.mu.Lock()
	if a.state != StateEstablished {
		st := a.state
		a.mu.Unlock()
		if st == StateClosed {
			return nil
		}
		return fmt.Errorf("cannot release in state %s", st)
	}
	a.state = StateReleasing
	a.mu.Unlock()

	if err := a.conn.SetDeadline(time.Now().Add(a.timeout)); err != nil {
		return a.closeHard(err)
	}
	if err := writeReleaseRQ(a.conn); err != nil {
		return a.closeHard(fmt.Errorf("failed to send release request: %w", err))
	}

	for {
		pdu, err := readPDU(a.conn)
		if err != nil {
			return a.abortAndClose(fmt.Errorf("release not confirmed: %w", err))
		}
		switch pdu.Type {
		case pduReleaseRP:
			a.conn.Close()
			a.setState(StateClosed)
			return nil
		case pduPDataTF:
			// Late data racing the release is discarded.
			continue
		case pduAbort:
			a.conn.Close()
			a.setState(StateClosed)
			return nil
		default:
			return a.abortAndClose(fmt.Errorf("unexpected PDU type 0x%02x during release", pdu.Type))
		}
	}
}

// Abort sends A-ABORT and tears the connection down immediately.
func (a *Association) Abort() error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return nil
	}
	a.state = StateAborting
	a.mu.Unlock()

	a.conn.SetWriteDeadline(time.Now().Add(a.timeout))
	writeAbort(a.conn)
	err := a.conn.Close()
	a.setState(StateClosed)
	return err
}

func (a *Association) abortAndClose(cause error) error {
	a.conn.SetWriteDeadline(time.Now().Add(a.timeout))
	writeAbort(a.conn)
	a.conn.Close()
	a.setState(StateClosed)
	return cause
}

func (a *Association) closeHard(cause error) error {
	a.conn.Close()
	a.setState(StateClosed)
	return cause
}

// Echo performs a C-ECHO exchange on the verification context and returns
// an error unless the peer answers with success.
func (a *Association) Echo(messageID uint16) error {
	ac, err := a.ContextFor(VerificationSOPClass)
	if err != nil {
		return err
	}

	req := &Message{
		CommandField:        CEchoRQ,
		MessageID:           messageID,
		AffectedSOPClassUID: VerificationSOPClass,
		CommandDataSetType:  DatasetAbsent,
	}
	if err := a.Send(ac.ID, req, nil); err != nil {
		return fmt.Errorf("failed to send echo request: %w", err)
	}

	_, rsp, _, err := a.Receive()
	if err != nil {
		return fmt.Errorf("failed to receive echo response: %w", err)
	}
	if rsp.CommandField != CEchoRSP {
		return fmt.Errorf("unexpected command 0x%04x in echo response", rsp.CommandField)
	}
	if rsp.Status != StatusSuccess {
		return fmt.Errorf("echo failed with status 0x%04x", rsp.Status)
	}
	return nil
}
