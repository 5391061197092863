package dimse

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrAssociationReleased is returned by ServerAssociation.Receive after the
// peer requested a release and the release was confirmed. The association is
// done; no further messages will arrive.
var ErrAssociationReleased = errors.New("dimse: association released by peer")

// AcceptorConfig holds configuration for inbound associations.
type AcceptorConfig struct {
	// AETitle is the called AE title this acceptor answers to. Empty
	// accepts any called title.
	AETitle string

	// SupportsAbstractSyntax decides which proposed abstract syntaxes to
	// accept. Required.
	SupportsAbstractSyntax func(string) bool

	Timeout      time.Duration
	MaxPDULength uint32
}

// ServerAssociation is the acceptor side of a DICOM association: one inbound
// connection after a completed handshake.
type ServerAssociation struct {
	conn       net.Conn
	timeout    time.Duration
	peerMaxPDU uint32
	callingAET string
	calledAET  string
	accepted   map[byte]*AcceptedContext
}

// Accept completes the acceptor-side handshake on an inbound connection. The
// handshake is bounded by config.Timeout. A called AE title mismatch rejects
// the association; a request proposing nothing we support is answered with an
// AC that accepts no contexts, and the peer is expected to release.
func Accept(conn net.Conn, config AcceptorConfig) (*ServerAssociation, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384
	}
	if config.SupportsAbstractSyntax == nil {
		return nil, errors.New("dimse: acceptor needs an abstract syntax filter")
	}

	if err := conn.SetDeadline(time.Now().Add(config.Timeout)); err != nil {
		return nil, err
	}

	pdu, err := readPDU(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read associate request: %w", err)
	}
	if pdu.Type != pduAssociateRQ {
		writeAbort(conn)
		return nil, fmt.Errorf("expected associate request, got PDU type 0x%02x", pdu.Type)
	}

	req, err := parseAssociateRQ(pdu.Data)
	if err != nil {
		writeAbort(conn)
		return nil, fmt.Errorf("malformed associate request: %w", err)
	}

	if config.AETitle != "" && req.CalledAETitle != config.AETitle {
		// Result 1 (rejected permanent), source 1 (service user),
		// reason 7 (called AE title not recognized).
		writePDU(conn, pduAssociateRJ, []byte{0x00, 0x01, 0x01, 0x07})
		conn.Close()
		return nil, fmt.Errorf("called AE title %q not recognized", req.CalledAETitle)
	}

	results := negotiateContexts(req.Proposed, config.SupportsAbstractSyntax)

	ac := buildAssociateAC(req, results, config.MaxPDULength)
	if err := writePDU(conn, pduAssociateAC, ac); err != nil {
		return nil, fmt.Errorf("failed to send associate response: %w", err)
	}

	peerMax := req.MaxPDULength
	if peerMax == 0 {
		peerMax = defaultMaxPDULength
	}

	return &ServerAssociation{
		conn:       conn,
		timeout:    config.Timeout,
		peerMaxPDU: peerMax,
		callingAET: req.CallingAETitle,
		calledAET:  req.CalledAETitle,
		accepted:   results,
	}, nil
}

// CallingAETitle returns the peer's AE title from the handshake.
func (sa *ServerAssociation) CallingAETitle() string { return sa.callingAET }

// ContextByID returns the accepted context with the given ID, or nil when
// the ID is unknown or was rejected.
func (sa *ServerAssociation) ContextByID(id byte) *AcceptedContext {
	ac, ok := sa.accepted[id]
	if !ok || !ac.Accepted {
		return nil
	}
	return ac
}

// Receive reads the next complete DIMSE message from the peer. A release
// request from the peer is confirmed and reported as ErrAssociationReleased;
// an abort closes the connection and surfaces the abort error.
func (sa *ServerAssociation) Receive() (byte, *Message, []byte, error) {
	if err := sa.conn.SetReadDeadline(time.Now().Add(sa.timeout)); err != nil {
		return 0, nil, nil, err
	}

	ctxID, msg, dataset, err := receiveMessage(sa.conn)
	if err != nil {
		var releaseErr peerReleaseError
		if errors.As(err, &releaseErr) {
			sa.conn.SetWriteDeadline(time.Now().Add(sa.timeout))
			writeReleaseRP(sa.conn)
			sa.conn.Close()
			return 0, nil, nil, ErrAssociationReleased
		}
		var abortErr peerAbortError
		if errors.As(err, &abortErr) {
			sa.conn.Close()
		}
		return 0, nil, nil, err
	}
	return ctxID, msg, dataset, nil
}

// Send transmits a DIMSE response on the given presentation context.
func (sa *ServerAssociation) Send(presContextID byte, msg *Message, dataset []byte) error {
	if err := sa.conn.SetWriteDeadline(time.Now().Add(sa.timeout)); err != nil {
		return err
	}
	return sendMessage(sa.conn, presContextID, sa.peerMaxPDU, msg, dataset)
}

// Abort sends A-ABORT and closes the connection.
func (sa *ServerAssociation) Abort() error {
	sa.conn.SetWriteDeadline(time.Now().Add(sa.timeout))
	writeAbort(sa.conn)
	return sa.conn.Close()
}

// Close closes the connection without protocol ceremony.
func (sa *ServerAssociation) Close() error { return sa.conn.Close() }
