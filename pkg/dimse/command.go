package dimse

import (
	"encoding/binary"
	"strings"
)

// DIMSE command field values.
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// DIMSE status codes. Pending and cancel are exact values; warning and
// failure are classes matched by range.
const (
	StatusSuccess         = 0x0000
	StatusPending         = 0xFF00
	StatusPendingWarning  = 0xFF01
	StatusCancel          = 0xFE00
	StatusOutOfResources  = 0xA702
	StatusMoveDestUnknown = 0xA801
	StatusProcessingFail  = 0xC000
)

// IsPending reports whether status indicates more responses will follow.
func IsPending(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// IsWarning reports whether status is in the warning class (sub-operations
// completed with one or more failures).
func IsWarning(status uint16) bool {
	return status&0xF000 == 0xB000
}

// IsFailure reports whether status is a refused or failed class. Anything
// that is not success, pending, cancel or warning counts as a failure.
func IsFailure(status uint16) bool {
	switch {
	case status == StatusSuccess, IsPending(status), status == StatusCancel, IsWarning(status):
		return false
	}
	return true
}

// Command dataset type values for (0000,0800).
const (
	DatasetPresent = 0x0000
	DatasetAbsent  = 0x0101
)

// Message is a decoded DIMSE command set. Fields that are absent from the
// wire form stay at their zero value; the sub-operation counters are pointers
// so a genuine zero count can be told apart from an omitted element.
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MoveDestination           string

	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// HasDataset reports whether a dataset follows the command set.
func (m *Message) HasDataset() bool {
	return m.CommandDataSetType != DatasetAbsent
}

// EncodeCommand serializes a command set as implicit VR little endian group
// 0000 elements, prefixed with the command group length element.
func EncodeCommand(msg *Message) []byte {
	buf := make([]byte, 0, 256)

	// Group length placeholder, backfilled below.
	buf = appendImplicitElement(buf, 0x0000, 0x0000, make([]byte, 4))
	lengthPos := len(buf) - 4

	if msg.AffectedSOPClassUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x0002, padUID(msg.AffectedSOPClassUID))
	}

	buf = appendImplicitElement(buf, 0x0000, 0x0100, uint16LE(msg.CommandField))

	if msg.MessageID != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x0110, uint16LE(msg.MessageID))
	}
	if msg.MessageIDBeingRespondedTo != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x0120, uint16LE(msg.MessageIDBeingRespondedTo))
	}
	if msg.MoveDestination != "" {
		dest := []byte(msg.MoveDestination)
		if len(dest)%2 == 1 {
			dest = append(dest, ' ')
		}
		buf = appendImplicitElement(buf, 0x0000, 0x0600, dest)
	}
	// Requests that carry a priority must encode it even at the medium
	// (zero) value.
	switch msg.CommandField {
	case CStoreRQ, CFindRQ, CMoveRQ:
		buf = appendImplicitElement(buf, 0x0000, 0x0700, uint16LE(msg.Priority))
	}

	buf = appendImplicitElement(buf, 0x0000, 0x0800, uint16LE(msg.CommandDataSetType))

	if msg.Status != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x0900, uint16LE(msg.Status))
	}
	if msg.AffectedSOPInstanceUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x1000, padUID(msg.AffectedSOPInstanceUID))
	}
	if msg.NumberOfRemainingSuboperations != nil {
		buf = appendImplicitElement(buf, 0x0000, 0x1020, uint16LE(*msg.NumberOfRemainingSuboperations))
	}
	if msg.NumberOfCompletedSuboperations != nil {
		buf = appendImplicitElement(buf, 0x0000, 0x1021, uint16LE(*msg.NumberOfCompletedSuboperations))
	}
	if msg.NumberOfFailedSuboperations != nil {
		buf = appendImplicitElement(buf, 0x0000, 0x1022, uint16LE(*msg.NumberOfFailedSuboperations))
	}
	if msg.NumberOfWarningSuboperations != nil {
		buf = appendImplicitElement(buf, 0x0000, 0x1023, uint16LE(*msg.NumberOfWarningSuboperations))
	}

	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], uint32(len(buf)-lengthPos-4))
	return buf
}

// DecodeCommand parses a command set. Unknown elements are skipped; a
// command with no (0000,0800) element defaults to "no dataset present".
func DecodeCommand(data []byte) *Message {
	msg := &Message{CommandDataSetType: DatasetAbsent}

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if offset+8+int(length) > len(data) {
			break
		}
		value := data[offset+8 : offset+8+int(length)]

		if group == 0x0000 {
			switch element {
			case 0x0002:
				msg.AffectedSOPClassUID = trimUID(value)
			case 0x0100:
				if len(value) >= 2 {
					msg.CommandField = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0110:
				if len(value) >= 2 {
					msg.MessageID = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0120:
				if len(value) >= 2 {
					msg.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0600:
				msg.MoveDestination = trimUID(value)
			case 0x0700:
				if len(value) >= 2 {
					msg.Priority = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0800:
				if len(value) >= 2 {
					msg.CommandDataSetType = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0900:
				if len(value) >= 2 {
					msg.Status = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x1000:
				msg.AffectedSOPInstanceUID = trimUID(value)
			case 0x1020:
				msg.NumberOfRemainingSuboperations = uint16Ptr(value)
			case 0x1021:
				msg.NumberOfCompletedSuboperations = uint16Ptr(value)
			case 0x1022:
				msg.NumberOfFailedSuboperations = uint16Ptr(value)
			case 0x1023:
				msg.NumberOfWarningSuboperations = uint16Ptr(value)
			}
		}

		offset += 8 + int(length)
	}

	return msg
}

func appendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = append(buf, byte(group), byte(group>>8))
	buf = append(buf, byte(element), byte(element>>8))
	length := uint32(len(value))
	buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	return append(buf, value...)
}

func uint16LE(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func uint16Ptr(value []byte) *uint16 {
	if len(value) < 2 {
		return nil
	}
	v := binary.LittleEndian.Uint16(value[:2])
	return &v
}

// padUID null-pads a UID value to even length as required for UI elements.
func padUID(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

func trimUID(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}
