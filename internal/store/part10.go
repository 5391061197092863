package store

import (
	"encoding/binary"
	"io"
)

const (
	implementationClassUID = "1.2.826.0.1.3680043.9.7433.2.1"
	implementationVersion  = "PACSFETCH_1.0"
)

// writePart10 wraps a raw dataset in a DICOM file: 128-byte preamble, the
// DICM magic, a group 0002 file meta header in explicit VR little endian,
// then the dataset bytes exactly as received. The dataset keeps the transfer
// syntax it arrived in; the meta header records which one that was.
func writePart10(w io.Writer, inst IncomingInstance, dataset []byte) error {
	meta := buildFileMeta(inst)

	preamble := make([]byte, 128)
	if _, err := w.Write(preamble); err != nil {
		return err
	}
	if _, err := w.Write([]byte("DICM")); err != nil {
		return err
	}
	if _, err := w.Write(meta); err != nil {
		return err
	}
	_, err := w.Write(dataset)
	return err
}

func buildFileMeta(inst IncomingInstance) []byte {
	var body []byte
	body = appendMetaOB(body, 0x0001, []byte{0x00, 0x01})
	body = appendMetaUI(body, 0x0002, inst.SOPClassUID)
	body = appendMetaUI(body, 0x0003, inst.SOPInstanceUID)
	body = appendMetaUI(body, 0x0010, inst.TransferSyntaxUID)
	body = appendMetaUI(body, 0x0012, implementationClassUID)
	body = appendMetaSH(body, 0x0013, implementationVersion)

	// (0002,0000) group length leads the group and counts everything after
	// itself.
	var meta []byte
	meta = append(meta, 0x02, 0x00, 0x00, 0x00, 'U', 'L', 0x04, 0x00)
	meta = binary.LittleEndian.AppendUint32(meta, uint32(len(body)))
	return append(meta, body...)
}

func appendMetaUI(buf []byte, element uint16, value string) []byte {
	padded := []byte(value)
	if len(padded)%2 == 1 {
		padded = append(padded, 0x00)
	}
	return appendMetaShortVR(buf, element, "UI", padded)
}

func appendMetaSH(buf []byte, element uint16, value string) []byte {
	padded := []byte(value)
	if len(padded)%2 == 1 {
		padded = append(padded, ' ')
	}
	return appendMetaShortVR(buf, element, "SH", padded)
}

func appendMetaShortVR(buf []byte, element uint16, vr string, value []byte) []byte {
	buf = append(buf, 0x02, 0x00)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = append(buf, vr[0], vr[1])
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

func appendMetaOB(buf []byte, element uint16, value []byte) []byte {
	buf = append(buf, 0x02, 0x00)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = append(buf, 'O', 'B', 0x00, 0x00)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}
