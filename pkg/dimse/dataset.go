package dimse

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Tag identifies a DICOM data element.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Tags used in query identifiers and store header scans.
var (
	TagSOPClassUID             = Tag{0x0008, 0x0016}
	TagSOPInstanceUID          = Tag{0x0008, 0x0018}
	TagStudyDate               = Tag{0x0008, 0x0020}
	TagAccessionNumber         = Tag{0x0008, 0x0050}
	TagQueryRetrieveLevel      = Tag{0x0008, 0x0052}
	TagModality                = Tag{0x0008, 0x0060}
	TagModalitiesInStudy       = Tag{0x0008, 0x0061}
	TagStudyDescription        = Tag{0x0008, 0x1030}
	TagSeriesDescription       = Tag{0x0008, 0x103E}
	TagPatientName             = Tag{0x0010, 0x0010}
	TagPatientID               = Tag{0x0010, 0x0020}
	TagBodyPartExamined        = Tag{0x0018, 0x0015}
	TagStudyInstanceUID        = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID       = Tag{0x0020, 0x000E}
	TagStudyRelatedSeries      = Tag{0x0020, 0x1206}
	TagStudyRelatedInstances   = Tag{0x0020, 0x1208}
)

// uidTags pad with NUL instead of space when encoded.
var uidTags = map[Tag]bool{
	TagSOPClassUID:       true,
	TagSOPInstanceUID:    true,
	TagStudyInstanceUID:  true,
	TagSeriesInstanceUID: true,
}

// tagVRs carries the value representation of every tag this package puts in
// an identifier, for explicit VR encoding. All are short-form VRs.
var tagVRs = map[Tag]string{
	TagSOPClassUID:           "UI",
	TagSOPInstanceUID:        "UI",
	TagStudyDate:             "DA",
	TagAccessionNumber:       "SH",
	TagQueryRetrieveLevel:    "CS",
	TagModality:              "CS",
	TagModalitiesInStudy:     "CS",
	TagStudyDescription:      "LO",
	TagSeriesDescription:     "LO",
	TagPatientName:           "PN",
	TagPatientID:             "LO",
	TagBodyPartExamined:      "CS",
	TagStudyInstanceUID:      "UI",
	TagSeriesInstanceUID:     "UI",
	TagStudyRelatedSeries:    "IS",
	TagStudyRelatedInstances: "IS",
}

// Identifier is a flat set of string-valued elements: the matching keys of a
// C-FIND or C-MOVE request, or the decoded rows of their responses. It covers
// only what query/retrieve needs; full dataset decoding is the job of the
// external codec.
type Identifier struct {
	elements map[Tag]string
}

// NewIdentifier returns an empty identifier.
func NewIdentifier() *Identifier {
	return &Identifier{elements: make(map[Tag]string)}
}

// SetString stores a value, replacing any previous one. An empty value is a
// universal match key and is encoded as a zero-length element.
func (id *Identifier) SetString(tag Tag, value string) {
	id.elements[tag] = value
}

// GetString returns the trimmed value for tag, or "" when absent.
func (id *Identifier) GetString(tag Tag) string {
	return strings.TrimSpace(id.elements[tag])
}

// GetStrings splits a multi-valued element on the backslash delimiter.
func (id *Identifier) GetStrings(tag Tag) []string {
	raw, ok := id.elements[tag]
	if !ok || raw == "" {
		return nil
	}
	parts := strings.Split(raw, "\\")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// Has reports whether tag is present, even with an empty value.
func (id *Identifier) Has(tag Tag) bool {
	_, ok := id.elements[tag]
	return ok
}

// Encode serializes the identifier in the given transfer syntax, elements in
// ascending tag order as required on the wire. Values are padded to even
// length. Only the two little endian syntaxes are produced; those are the
// only ones proposed for query contexts.
func (id *Identifier) Encode(transferSyntaxUID string) []byte {
	explicitVR := transferSyntaxUID != ImplicitVRLittleEndian

	tags := make([]Tag, 0, len(id.elements))
	for t := range id.elements {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})

	buf := make([]byte, 0, 256)
	for _, t := range tags {
		value := []byte(id.elements[t])
		if len(value)%2 == 1 {
			if uidTags[t] {
				value = append(value, 0x00)
			} else {
				value = append(value, ' ')
			}
		}
		if explicitVR {
			vr := tagVRs[t]
			if vr == "" {
				vr = "LO"
			}
			buf = binary.LittleEndian.AppendUint16(buf, t.Group)
			buf = binary.LittleEndian.AppendUint16(buf, t.Element)
			buf = append(buf, vr[0], vr[1])
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(value)))
			buf = append(buf, value...)
		} else {
			buf = appendImplicitElement(buf, t.Group, t.Element, value)
		}
	}
	return buf
}

// explicit VRs that carry a 2-byte reserved field and 32-bit length.
var longVRs = map[string]bool{
	"OB": true, "OW": true, "OF": true, "OD": true, "OL": true,
	"OV": true, "SQ": true, "UC": true, "UR": true, "UT": true, "UN": true,
}

// ParseIdentifier decodes the string-valued elements of a dataset encoded in
// the given transfer syntax. Implicit VR little endian is parsed as such,
// explicit VR big endian with big endian lengths; every other syntax carries
// an explicit VR little endian header (compressed syntaxes compress only the
// pixel data). Parsing stops at the pixel data group, so scanning a full
// image only touches the header.
func ParseIdentifier(data []byte, transferSyntaxUID string) (*Identifier, error) {
	var order binary.ByteOrder = binary.LittleEndian
	explicitVR := true
	switch transferSyntaxUID {
	case ImplicitVRLittleEndian:
		explicitVR = false
	case ExplicitVRBigEndian:
		order = binary.BigEndian
	}

	id := NewIdentifier()

	offset := 0
	for offset+8 <= len(data) {
		group := order.Uint16(data[offset : offset+2])
		element := order.Uint16(data[offset+2 : offset+4])

		if group >= 0x7FE0 {
			break
		}

		var length uint32
		skipValue := false

		if explicitVR {
			vr := string(data[offset+4 : offset+6])
			if longVRs[vr] {
				if offset+12 > len(data) {
					return id, fmt.Errorf("truncated element %s", Tag{group, element})
				}
				length = order.Uint32(data[offset+8 : offset+12])
				offset += 12
				skipValue = true // binary or nested payloads are not identifier material
			} else {
				length = uint32(order.Uint16(data[offset+6 : offset+8]))
				offset += 8
			}
		} else {
			length = order.Uint32(data[offset+4 : offset+8])
			offset += 8
		}

		if length == 0xFFFFFFFF {
			// Undefined length means sequences; nothing in an identifier
			// scan needs them and walking them is the codec's job.
			break
		}
		end := offset + int(length)
		if end > len(data) || end < offset {
			return id, fmt.Errorf("element %s exceeds dataset length", Tag{group, element})
		}

		if !skipValue && isTextual(data[offset:end]) {
			id.elements[Tag{group, element}] = strings.TrimRight(string(data[offset:end]), "\x00 ")
		}

		offset = end
	}

	return id, nil
}

// isTextual reports whether a value looks like character data. Identifier
// scans only keep printable values; anything else is left to the codec.
func isTextual(value []byte) bool {
	for _, b := range value {
		if b != 0x00 && b != 0x0A && b != 0x0C && b != 0x0D && b != 0x1B && (b < 0x20 || b > 0x7E) {
			return false
		}
	}
	return true
}
