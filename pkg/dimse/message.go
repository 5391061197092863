package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
)

// sendMessage writes a DIMSE command and optional dataset as P-DATA-TF PDUs,
// fragmenting to fit within the peer's maximum PDU length.
func sendMessage(w io.Writer, presContextID byte, maxPDULength uint32, msg *Message, dataset []byte) error {
	command := EncodeCommand(msg)
	if err := sendPDataTF(w, presContextID, maxPDULength, command, true); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	if len(dataset) > 0 {
		if err := sendPDataTF(w, presContextID, maxPDULength, dataset, false); err != nil {
			return fmt.Errorf("send dataset: %w", err)
		}
	}
	return nil
}

func sendPDataTF(w io.Writer, presContextID byte, maxPDULength uint32, data []byte, isCommand bool) error {
	// PDU header (6) + PDV length (4) + PDV header (2).
	maxChunk := int(maxPDULength) - 12
	if maxChunk < 1 {
		maxChunk = 1
	}

	offset := 0
	for {
		chunk := len(data) - offset
		last := true
		if chunk > maxChunk {
			chunk = maxChunk
			last = false
		}

		control := byte(0)
		if isCommand {
			control |= 0x01
		}
		if last {
			control |= 0x02
		}

		pdv := make([]byte, 0, chunk+6)
		pdvLength := make([]byte, 4)
		binary.BigEndian.PutUint32(pdvLength, uint32(chunk+2))
		pdv = append(pdv, pdvLength...)
		pdv = append(pdv, presContextID, control)
		pdv = append(pdv, data[offset:offset+chunk]...)

		if err := writePDU(w, pduPDataTF, pdv); err != nil {
			return err
		}

		offset += chunk
		if offset >= len(data) {
			return nil
		}
	}
}

// peerReleaseError marks a graceful A-RELEASE-RQ from the peer arriving while
// a message was expected. Acceptor loops treat it as end of association.
type peerReleaseError struct{}

func (peerReleaseError) Error() string { return "peer requested association release" }

// peerAbortError marks an A-ABORT from the peer.
type peerAbortError struct {
	source, reason byte
}

func (e peerAbortError) Error() string {
	return fmt.Sprintf("peer aborted association (source=%d, reason=%d)", e.source, e.reason)
}

// receiveMessage reads PDUs until a complete DIMSE message (command set plus
// its dataset, if the command announces one) has been assembled. The returned
// presentation context ID is the one carried by the command PDV.
func receiveMessage(r io.Reader) (byte, *Message, []byte, error) {
	var (
		commandData []byte
		datasetData []byte
		presContext byte
		msg         *Message
		haveCommand bool
		haveDataset bool
	)

	for {
		raw, err := readPDU(r)
		if err != nil {
			return 0, nil, nil, err
		}

		switch raw.Type {
		case pduPDataTF:
			offset := 0
			for offset < len(raw.Data) {
				if offset+6 > len(raw.Data) {
					return 0, nil, nil, fmt.Errorf("malformed pdv")
				}
				pdvLength := binary.BigEndian.Uint32(raw.Data[offset : offset+4])
				end := offset + 4 + int(pdvLength)
				if pdvLength < 2 || end > len(raw.Data) {
					return 0, nil, nil, fmt.Errorf("pdv length exceeds pdu payload")
				}

				ctxID := raw.Data[offset+4]
				control := raw.Data[offset+5]
				value := raw.Data[offset+6 : end]

				isCommand := control&0x01 != 0
				isLast := control&0x02 != 0

				if isCommand {
					presContext = ctxID
					commandData = append(commandData, value...)
					if isLast {
						msg = DecodeCommand(commandData)
						haveCommand = true
						if !msg.HasDataset() {
							haveDataset = true
						}
					}
				} else {
					datasetData = append(datasetData, value...)
					if isLast {
						haveDataset = true
					}
				}

				offset = end
			}
		case pduReleaseRQ:
			return 0, nil, nil, peerReleaseError{}
		case pduAbort:
			var source, reason byte
			if len(raw.Data) >= 4 {
				source = raw.Data[2]
				reason = raw.Data[3]
			}
			return 0, nil, nil, peerAbortError{source: source, reason: reason}
		default:
			return 0, nil, nil, fmt.Errorf("unexpected pdu type 0x%02x while awaiting dimse message", raw.Type)
		}

		if haveCommand && haveDataset {
			return presContext, msg, datasetData, nil
		}
	}
}
