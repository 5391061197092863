package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

// PDU types (DICOM PS3.8 §9.3).
const (
	pduAssociateRQ = 0x01
	pduAssociateAC = 0x02
	pduAssociateRJ = 0x03
	pduPDataTF     = 0x04
	pduReleaseRQ   = 0x05
	pduReleaseRP   = 0x06
	pduAbort       = 0x07
)

// maxPDUReadLength caps how large an incoming PDU may claim to be. Anything
// bigger is a framing error, not a legitimate message.
const maxPDUReadLength = 4 * 1024 * 1024

// defaultMaxPDULength is assumed for a peer that never states its own limit.
const defaultMaxPDULength = 16384

type rawPDU struct {
	Type byte
	Data []byte
}

func readPDU(r io.Reader) (*rawPDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxPDUReadLength {
		return nil, fmt.Errorf("pdu length %d exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read pdu body: %w", err)
	}

	return &rawPDU{Type: header[0], Data: data}, nil
}

func writePDU(w io.Writer, pduType byte, data []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(data)))

	// Single write so the PDU cannot interleave with another writer.
	buf := append(header, data...)
	_, err := w.Write(buf)
	return err
}

// ProposedContext is a presentation context offered in an A-ASSOCIATE-RQ:
// one abstract syntax with the transfer syntaxes acceptable for it, in
// preference order.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AcceptedContext is the negotiated result for one proposed context.
type AcceptedContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Accepted       bool
}

// Presentation context negotiation results (PS3.8 §9.3.3.2).
const (
	ctxAcceptance           byte = 0x00
	ctxRejectAbstractSyntax byte = 0x03
	ctxRejectTransferSyntax byte = 0x04
)

func padAETitle(aet string) []byte {
	padded := make([]byte, 16)
	copy(padded, aet)
	for i := len(aet); i < 16; i++ {
		padded[i] = ' '
	}
	return padded
}

func trimAETitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// buildAssociateRQ assembles an A-ASSOCIATE-RQ PDU body.
func buildAssociateRQ(callingAET, calledAET string, contexts []ProposedContext, maxPDULength uint32) []byte {
	buf := make([]byte, 0, 1024)

	buf = append(buf, 0x00, 0x01) // protocol version
	buf = append(buf, 0x00, 0x00) // reserved
	buf = append(buf, padAETitle(calledAET)...)
	buf = append(buf, padAETitle(callingAET)...)
	buf = append(buf, make([]byte, 32)...) // reserved

	buf = appendShortItem(buf, 0x10, []byte(ApplicationContextUID))

	for _, ctx := range contexts {
		buf = appendPresentationContextRQ(buf, ctx)
	}

	buf = appendUserInformation(buf, maxPDULength)
	return buf
}

func appendShortItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(value)))
	buf = append(buf, length...)
	return append(buf, value...)
}

func appendPresentationContextRQ(buf []byte, ctx ProposedContext) []byte {
	start := len(buf)
	buf = append(buf, 0x20, 0x00, 0x00, 0x00) // item type + length placeholder
	buf = append(buf, ctx.ID, 0x00, 0x00, 0x00)

	buf = appendShortItem(buf, 0x30, []byte(ctx.AbstractSyntax))
	for _, ts := range ctx.TransferSyntaxes {
		buf = appendShortItem(buf, 0x40, []byte(ts))
	}

	binary.BigEndian.PutUint16(buf[start+2:start+4], uint16(len(buf)-start-4))
	return buf
}

func appendUserInformation(buf []byte, maxPDULength uint32) []byte {
	start := len(buf)
	buf = append(buf, 0x50, 0x00, 0x00, 0x00)

	buf = append(buf, 0x51, 0x00, 0x00, 0x04)
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, maxPDULength)
	buf = append(buf, maxLen...)

	buf = appendShortItem(buf, 0x52, []byte(implementationClassUID))
	buf = appendShortItem(buf, 0x55, []byte(implementationVersionName))

	binary.BigEndian.PutUint16(buf[start+2:start+4], uint16(len(buf)-start-4))
	return buf
}

// parseAssociateAC walks an A-ASSOCIATE-AC body and applies the peer's
// negotiation results to the proposed contexts. Returns the accepted contexts
// keyed by ID along with the peer's maximum PDU length (0 if absent).
func parseAssociateAC(data []byte, proposed map[byte]*AcceptedContext) (uint32, error) {
	if len(data) < 68 {
		return 0, fmt.Errorf("associate-ac too short: %d bytes", len(data))
	}

	var peerMaxPDU uint32
	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		itemEnd := offset + 4 + int(itemLength)
		if itemEnd > len(data) {
			return 0, fmt.Errorf("associate-ac item exceeds pdu length")
		}
		itemData := data[offset+4 : itemEnd]

		switch itemType {
		case 0x21: // presentation context - AC
			if len(itemData) < 4 {
				return 0, fmt.Errorf("associate-ac presentation context too short")
			}
			ctxID := itemData[0]
			result := itemData[2]

			transferSyntax := ""
			subOffset := 4
			for subOffset+4 <= len(itemData) {
				subType := itemData[subOffset]
				subLength := binary.BigEndian.Uint16(itemData[subOffset+2 : subOffset+4])
				subEnd := subOffset + 4 + int(subLength)
				if subEnd > len(itemData) {
					break
				}
				if subType == 0x40 {
					transferSyntax = trimUID(itemData[subOffset+4 : subEnd])
				}
				subOffset = subEnd
			}

			if ctx, ok := proposed[ctxID]; ok {
				ctx.Accepted = result == ctxAcceptance && transferSyntax != ""
				if ctx.Accepted {
					ctx.TransferSyntax = transferSyntax
				}
			}
		case 0x50: // user information
			if v, err := parseUserInformation(itemData); err == nil && v > 0 {
				peerMaxPDU = v
			}
		}

		offset = itemEnd
	}

	return peerMaxPDU, nil
}

func parseUserInformation(data []byte) (uint32, error) {
	offset := 0
	var maxPDULength uint32
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		subEnd := offset + 4 + int(subLength)
		if subEnd > len(data) {
			return 0, fmt.Errorf("user information sub-item exceeds length")
		}
		if subType == 0x51 && subLength == 4 {
			maxPDULength = binary.BigEndian.Uint32(data[offset+4 : subEnd])
		}
		offset = subEnd
	}
	return maxPDULength, nil
}

// associateRequest is a parsed A-ASSOCIATE-RQ as seen by the acceptor.
type associateRequest struct {
	CallingAETitle string
	CalledAETitle  string
	MaxPDULength   uint32
	Proposed       []ProposedContext
}

func parseAssociateRQ(data []byte) (*associateRequest, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("associate-rq too short: %d bytes", len(data))
	}

	req := &associateRequest{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
		MaxPDULength:   16384,
	}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		itemEnd := offset + 4 + int(itemLength)
		if itemEnd > len(data) {
			return nil, fmt.Errorf("associate-rq item exceeds pdu length")
		}
		itemData := data[offset+4 : itemEnd]

		switch itemType {
		case 0x20: // presentation context - RQ
			ctx, err := parseProposedContext(itemData)
			if err != nil {
				return nil, err
			}
			req.Proposed = append(req.Proposed, *ctx)
		case 0x50:
			if v, err := parseUserInformation(itemData); err == nil && v > 0 {
				req.MaxPDULength = v
			}
		}

		offset = itemEnd
	}

	if len(req.Proposed) == 0 {
		return nil, fmt.Errorf("associate-rq carries no presentation contexts")
	}
	return req, nil
}

func parseProposedContext(data []byte) (*ProposedContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context item too short")
	}

	ctx := &ProposedContext{ID: data[0]}
	offset := 4
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		subEnd := offset + 4 + int(subLength)
		if subEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", ctx.ID)
		}
		value := trimUID(data[offset+4 : subEnd])
		switch subType {
		case 0x30:
			ctx.AbstractSyntax = value
		case 0x40:
			ctx.TransferSyntaxes = append(ctx.TransferSyntaxes, value)
		}
		offset = subEnd
	}

	if ctx.AbstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", ctx.ID)
	}
	return ctx, nil
}

// buildAssociateAC assembles an A-ASSOCIATE-AC body echoing the request's AE
// titles. Rejected contexts are omitted entirely: some archive stacks reject
// A-ASSOCIATE-AC PDUs that include them, even though PS3.8 says they belong.
func buildAssociateAC(req *associateRequest, results map[byte]*AcceptedContext, maxPDULength uint32) []byte {
	buf := make([]byte, 0, 1024)

	buf = append(buf, 0x00, 0x01)
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, padAETitle(req.CalledAETitle)...)
	buf = append(buf, padAETitle(req.CallingAETitle)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendShortItem(buf, 0x10, []byte(ApplicationContextUID))

	ids := make([]int, 0, len(results))
	for id := range results {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	for _, id := range ids {
		ctx := results[byte(id)]
		if !ctx.Accepted {
			continue
		}

		var sub []byte
		sub = appendShortItem(sub, 0x40, []byte(ctx.TransferSyntax))

		buf = append(buf, 0x21, 0x00)
		length := make([]byte, 2)
		binary.BigEndian.PutUint16(length, uint16(4+len(sub)))
		buf = append(buf, length...)
		buf = append(buf, ctx.ID, ctxAcceptance, 0x00, 0x00)
		buf = append(buf, sub...)
	}

	buf = appendUserInformation(buf, maxPDULength)
	return buf
}

// negotiateContexts resolves each proposed context against the supported
// abstract syntaxes and the transfer syntax catalog, honoring the proposer's
// transfer syntax preference order.
func negotiateContexts(proposed []ProposedContext, supportsAbstract func(string) bool) map[byte]*AcceptedContext {
	supportedTS := make(map[string]bool, len(DefaultTransferSyntaxes))
	for _, ts := range DefaultTransferSyntaxes {
		supportedTS[ts] = true
	}

	results := make(map[byte]*AcceptedContext, len(proposed))
	for _, ctx := range proposed {
		result := &AcceptedContext{ID: ctx.ID, AbstractSyntax: ctx.AbstractSyntax}
		if supportsAbstract(ctx.AbstractSyntax) {
			for _, ts := range ctx.TransferSyntaxes {
				if supportedTS[ts] {
					result.TransferSyntax = ts
					result.Accepted = true
					break
				}
			}
		}
		results[ctx.ID] = result
	}
	return results
}

var releaseBody = []byte{0x00, 0x00, 0x00, 0x00}

func writeReleaseRQ(w io.Writer) error { return writePDU(w, pduReleaseRQ, releaseBody) }
func writeReleaseRP(w io.Writer) error { return writePDU(w, pduReleaseRP, releaseBody) }

// writeAbort sends an A-ABORT with source "service user", reason not
// specified.
func writeAbort(w io.Writer) error {
	return writePDU(w, pduAbort, []byte{0x00, 0x00, 0x00, 0x00})
}
