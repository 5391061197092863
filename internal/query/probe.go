package query

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/radworks/pacsfetch/pkg/dimse"
)

// Probe verifies the association path with a C-ECHO and reports which of the
// query and retrieve contexts the archive accepts. Run before a batch it
// catches dead peers and capability mismatches without waiting for the first
// find to fail.
func (e *Engine) Probe(ctx context.Context, model dimse.QueryModel) ([]*dimse.AcceptedContext, error) {
	ts := []string{
		dimse.ImplicitVRLittleEndian,
		dimse.ExplicitVRLittleEndian,
	}

	assoc, err := dimse.Open(ctx, dimse.AssociationConfig{
		Host:       e.cfg.Host,
		Port:       e.cfg.Port,
		CallingAET: e.cfg.CallingAET,
		CalledAET:  e.cfg.CalledAET,
		Timeout:    e.cfg.Timeout,
		Contexts: []dimse.ProposedContext{
			{ID: 1, AbstractSyntax: dimse.VerificationSOPClass, TransferSyntaxes: ts},
			{ID: 3, AbstractSyntax: model.FindSOPClass(), TransferSyntaxes: ts},
			{ID: 5, AbstractSyntax: model.MoveSOPClass(), TransferSyntaxes: ts},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("probe association failed: %w", err)
	}
	defer assoc.Release()

	if err := assoc.Echo(1); err != nil {
		return nil, fmt.Errorf("echo failed: %w", err)
	}

	accepted := assoc.AcceptedContexts()
	for _, ac := range accepted {
		log.Info().
			Str("abstract_syntax", ac.AbstractSyntax).
			Str("transfer_syntax", ac.TransferSyntax).
			Msg("Peer accepted context")
	}
	return accepted, nil
}
