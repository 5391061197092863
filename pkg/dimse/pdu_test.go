package dimse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proposeStorage() []ProposedContext {
	return []ProposedContext{
		{ID: 1, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: []string{ImplicitVRLittleEndian}},
		{ID: 3, AbstractSyntax: NuclearMedicineImageStorage, TransferSyntaxes: DefaultTransferSyntaxes},
	}
}

func TestAssociateRQRoundTrip(t *testing.T) {
	rq := buildAssociateRQ("PACSFETCH", "ARCHIVE", proposeStorage(), 16384)

	req, err := parseAssociateRQ(rq)
	require.NoError(t, err)

	assert.Equal(t, "PACSFETCH", req.CallingAETitle)
	assert.Equal(t, "ARCHIVE", req.CalledAETitle)
	assert.Equal(t, uint32(16384), req.MaxPDULength)

	require.Len(t, req.Proposed, 2)
	assert.Equal(t, byte(1), req.Proposed[0].ID)
	assert.Equal(t, VerificationSOPClass, req.Proposed[0].AbstractSyntax)
	assert.Equal(t, byte(3), req.Proposed[1].ID)
	assert.Equal(t, NuclearMedicineImageStorage, req.Proposed[1].AbstractSyntax)
	assert.Equal(t, DefaultTransferSyntaxes, req.Proposed[1].TransferSyntaxes)
}

func TestNegotiateAndACRoundTrip(t *testing.T) {
	rq := buildAssociateRQ("PACSFETCH", "ARCHIVE", proposeStorage(), 16384)
	req, err := parseAssociateRQ(rq)
	require.NoError(t, err)

	results := negotiateContexts(req.Proposed, func(uid string) bool {
		return uid == NuclearMedicineImageStorage // verification declined
	})
	ac := buildAssociateAC(req, results, 32768)

	proposed := map[byte]*AcceptedContext{
		1: {ID: 1, AbstractSyntax: VerificationSOPClass},
		3: {ID: 3, AbstractSyntax: NuclearMedicineImageStorage},
	}
	peerMax, err := parseAssociateAC(ac, proposed)
	require.NoError(t, err)
	assert.Equal(t, uint32(32768), peerMax)

	assert.False(t, proposed[1].Accepted)
	assert.True(t, proposed[3].Accepted)
	assert.Equal(t, ImplicitVRLittleEndian, proposed[3].TransferSyntax)
}

func TestNegotiateRejectsUnknownAbstractSyntax(t *testing.T) {
	results := negotiateContexts(
		[]ProposedContext{{ID: 1, AbstractSyntax: "1.2.3.4", TransferSyntaxes: []string{ImplicitVRLittleEndian}}},
		func(string) bool { return false },
	)
	require.Contains(t, results, byte(1))
	assert.False(t, results[1].Accepted)
}

func TestNegotiateRejectsUnsupportedTransferSyntax(t *testing.T) {
	results := negotiateContexts(
		[]ProposedContext{{ID: 1, AbstractSyntax: NuclearMedicineImageStorage, TransferSyntaxes: []string{"1.2.840.10008.1.2.4.100"}}},
		func(string) bool { return true },
	)
	assert.False(t, results[1].Accepted)
}

func TestAETitlePadding(t *testing.T) {
	padded := padAETitle("SCP")
	assert.Len(t, padded, 16)
	assert.Equal(t, "SCP             ", string(padded))
	assert.Equal(t, "SCP", trimAETitle(padded))
}
