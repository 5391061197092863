package dimse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u16(v uint16) *uint16 { return &v }

func TestCommandRoundTripFind(t *testing.T) {
	msg := &Message{
		CommandField:        CFindRQ,
		MessageID:           7,
		AffectedSOPClassUID: StudyRootFind,
		CommandDataSetType:  DatasetPresent,
	}

	decoded := DecodeCommand(EncodeCommand(msg))
	assert.Equal(t, uint16(CFindRQ), decoded.CommandField)
	assert.Equal(t, uint16(7), decoded.MessageID)
	assert.Equal(t, StudyRootFind, decoded.AffectedSOPClassUID)
	assert.True(t, decoded.HasDataset())
}

func TestCommandRoundTripMoveResponse(t *testing.T) {
	msg := &Message{
		CommandField:                   CMoveRSP,
		MessageIDBeingRespondedTo:      3,
		AffectedSOPClassUID:            StudyRootMove,
		CommandDataSetType:             DatasetAbsent,
		Status:                         StatusPending,
		NumberOfRemainingSuboperations: u16(12),
		NumberOfCompletedSuboperations: u16(30),
		NumberOfFailedSuboperations:    u16(0),
	}

	decoded := DecodeCommand(EncodeCommand(msg))
	assert.Equal(t, uint16(CMoveRSP), decoded.CommandField)
	assert.Equal(t, uint16(3), decoded.MessageIDBeingRespondedTo)
	assert.Equal(t, uint16(StatusPending), decoded.Status)
	assert.False(t, decoded.HasDataset())

	require.NotNil(t, decoded.NumberOfRemainingSuboperations)
	assert.Equal(t, uint16(12), *decoded.NumberOfRemainingSuboperations)
	require.NotNil(t, decoded.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(30), *decoded.NumberOfCompletedSuboperations)
	require.NotNil(t, decoded.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(0), *decoded.NumberOfFailedSuboperations)
	assert.Nil(t, decoded.NumberOfWarningSuboperations)
}

func TestCommandRoundTripMoveRequest(t *testing.T) {
	msg := &Message{
		CommandField:        CMoveRQ,
		MessageID:           1,
		AffectedSOPClassUID: StudyRootMove,
		MoveDestination:     "STORESCP",
		CommandDataSetType:  DatasetPresent,
	}

	decoded := DecodeCommand(EncodeCommand(msg))
	assert.Equal(t, "STORESCP", decoded.MoveDestination)
	assert.True(t, decoded.HasDataset())
}

func TestStatusClasses(t *testing.T) {
	assert.True(t, IsPending(StatusPending))
	assert.True(t, IsPending(StatusPendingWarning))
	assert.False(t, IsPending(StatusSuccess))

	assert.True(t, IsWarning(0xB000))
	assert.True(t, IsWarning(0xB007))
	assert.False(t, IsWarning(StatusSuccess))

	assert.True(t, IsFailure(StatusOutOfResources))
	assert.True(t, IsFailure(StatusProcessingFail))
	assert.False(t, IsFailure(StatusSuccess))
	assert.False(t, IsFailure(StatusPending))
	assert.False(t, IsFailure(StatusCancel))
}
