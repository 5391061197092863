package dimse

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleIdentifier() *Identifier {
	id := NewIdentifier()
	id.SetString(TagQueryRetrieveLevel, "STUDY")
	id.SetString(TagStudyDate, "20250101-20250131")
	id.SetString(TagModalitiesInStudy, "NM\\CT")
	id.SetString(TagStudyInstanceUID, "1.2.840.113619.2.1")
	id.SetString(TagPatientName, "")
	return id
}

func TestIdentifierRoundTripImplicit(t *testing.T) {
	encoded := sampleIdentifier().Encode(ImplicitVRLittleEndian)

	decoded, err := ParseIdentifier(encoded, ImplicitVRLittleEndian)
	require.NoError(t, err)

	assert.Equal(t, "STUDY", decoded.GetString(TagQueryRetrieveLevel))
	assert.Equal(t, "20250101-20250131", decoded.GetString(TagStudyDate))
	assert.Equal(t, []string{"NM", "CT"}, decoded.GetStrings(TagModalitiesInStudy))
	assert.Equal(t, "1.2.840.113619.2.1", decoded.GetString(TagStudyInstanceUID))
	assert.True(t, decoded.Has(TagPatientName))
	assert.Equal(t, "", decoded.GetString(TagPatientName))
}

func TestIdentifierRoundTripExplicit(t *testing.T) {
	encoded := sampleIdentifier().Encode(ExplicitVRLittleEndian)

	decoded, err := ParseIdentifier(encoded, ExplicitVRLittleEndian)
	require.NoError(t, err)

	assert.Equal(t, "STUDY", decoded.GetString(TagQueryRetrieveLevel))
	assert.Equal(t, "1.2.840.113619.2.1", decoded.GetString(TagStudyInstanceUID))
}

func TestIdentifierElementsAscending(t *testing.T) {
	encoded := sampleIdentifier().Encode(ImplicitVRLittleEndian)

	var last uint32
	offset := 0
	for offset+8 <= len(encoded) {
		group := uint32(binary.LittleEndian.Uint16(encoded[offset : offset+2]))
		element := uint32(binary.LittleEndian.Uint16(encoded[offset+2 : offset+4]))
		cur := group<<16 | element
		assert.Greater(t, cur, last)
		last = cur

		length := binary.LittleEndian.Uint32(encoded[offset+4 : offset+8])
		offset += 8 + int(length)
	}
}

func TestParseStopsAtPixelData(t *testing.T) {
	id := NewIdentifier()
	id.SetString(TagSOPInstanceUID, "1.2.3")
	encoded := id.Encode(ImplicitVRLittleEndian)

	// Pixel data element with a length larger than the remaining buffer;
	// the scan must stop before touching it.
	encoded = append(encoded, 0xE0, 0x7F, 0x10, 0x00)
	encoded = binary.LittleEndian.AppendUint32(encoded, 0xFFFFFF)
	encoded = append(encoded, 0x00, 0x01)

	decoded, err := ParseIdentifier(encoded, ImplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", decoded.GetString(TagSOPInstanceUID))
}

func TestParseTruncatedElement(t *testing.T) {
	id := NewIdentifier()
	id.SetString(TagPatientID, "PAT001")
	encoded := id.Encode(ImplicitVRLittleEndian)

	_, err := ParseIdentifier(encoded[:len(encoded)-2], ImplicitVRLittleEndian)
	assert.Error(t, err)
}

func TestParseSkipsBinaryValues(t *testing.T) {
	// Explicit VR OB element (long form) followed by a text element.
	var buf []byte
	buf = append(buf, 0x08, 0x00, 0x00, 0x00, 'O', 'B', 0x00, 0x00)
	buf = binary.LittleEndian.AppendUint32(buf, 2)
	buf = append(buf, 0xDE, 0xAD)

	id := NewIdentifier()
	id.SetString(TagPatientID, "PAT001")
	buf = append(buf, id.Encode(ExplicitVRLittleEndian)...)

	decoded, err := ParseIdentifier(buf, ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, "PAT001", decoded.GetString(TagPatientID))
	assert.False(t, decoded.Has(Tag{0x0008, 0x0000}))
}
