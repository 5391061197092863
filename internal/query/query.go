package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/radworks/pacsfetch/internal/metrics"
	"github.com/radworks/pacsfetch/pkg/dimse"
)

// ErrQueryFailed wraps a find that terminated with a non-success status.
// The run cannot proceed without matches, so callers treat it as fatal.
var ErrQueryFailed = errors.New("query failed")

// Config identifies the archive the engine queries.
type Config struct {
	Host       string
	Port       int
	CalledAET  string
	CallingAET string
	Timeout    time.Duration
}

// Params are the matching keys for one study-level find.
type Params struct {
	Model           dimse.QueryModel
	StudyDateFrom   string // YYYYMMDD, inclusive
	StudyDateTo     string // YYYYMMDD, inclusive; empty means single-date
	Modalities      []string
	PatientID       string
	AccessionNumber string
}

// Match is one study row from a find response.
type Match struct {
	StudyInstanceUID  string
	PatientID         string
	PatientName       string
	StudyDate         string
	AccessionNumber   string
	StudyDescription  string
	ModalitiesInStudy []string
	NumberOfSeries    int
	NumberOfInstances int
}

// Engine issues study-level C-FIND queries against one archive.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Find opens an association, issues one find request, and returns a lazy
// iterator over the pending responses. The association stays open until the
// iterator is exhausted or closed; matches are decoded one response at a
// time, never collected up front.
func (e *Engine) Find(ctx context.Context, params Params) (*Iterator, error) {
	findSOP := params.Model.FindSOPClass()

	assoc, err := dimse.Open(ctx, dimse.AssociationConfig{
		Host:       e.cfg.Host,
		Port:       e.cfg.Port,
		CallingAET: e.cfg.CallingAET,
		CalledAET:  e.cfg.CalledAET,
		Timeout:    e.cfg.Timeout,
		Contexts: []dimse.ProposedContext{
			{
				ID:             1,
				AbstractSyntax: findSOP,
				TransferSyntaxes: []string{
					dimse.ImplicitVRLittleEndian,
					dimse.ExplicitVRLittleEndian,
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open query association: %w", err)
	}
	metrics.AssociationsOpened.Inc()

	ac, err := assoc.ContextFor(findSOP)
	if err != nil {
		assoc.Release()
		return nil, fmt.Errorf("archive declined query model %s: %w", params.Model, err)
	}

	identifier := buildIdentifier(params)
	req := &dimse.Message{
		CommandField:        dimse.CFindRQ,
		MessageID:           1,
		AffectedSOPClassUID: findSOP,
		CommandDataSetType:  dimse.DatasetPresent,
	}
	if err := assoc.Send(ac.ID, req, identifier.Encode(ac.TransferSyntax)); err != nil {
		assoc.Abort()
		return nil, fmt.Errorf("failed to send find request: %w", err)
	}

	log.Info().
		Str("model", string(params.Model)).
		Str("study_date", identifier.GetString(dimse.TagStudyDate)).
		Strs("modalities", params.Modalities).
		Msg("Query issued")

	return &Iterator{assoc: assoc, ctxID: ac.ID, transferSyntax: ac.TransferSyntax}, nil
}

// buildIdentifier assembles the find identifier: the filter keys plus empty
// return keys for every attribute a match should carry back.
func buildIdentifier(params Params) *dimse.Identifier {
	id := dimse.NewIdentifier()
	id.SetString(dimse.TagQueryRetrieveLevel, "STUDY")
	id.SetString(dimse.TagStudyDate, dateRangeKey(params.StudyDateFrom, params.StudyDateTo))
	id.SetString(dimse.TagModalitiesInStudy, strings.Join(params.Modalities, "\\"))
	id.SetString(dimse.TagPatientID, params.PatientID)
	id.SetString(dimse.TagAccessionNumber, params.AccessionNumber)

	id.SetString(dimse.TagStudyInstanceUID, "")
	id.SetString(dimse.TagPatientName, "")
	id.SetString(dimse.TagStudyDescription, "")
	id.SetString(dimse.TagStudyRelatedSeries, "")
	id.SetString(dimse.TagStudyRelatedInstances, "")
	return id
}

// dateRangeKey renders the inclusive date filter as a DICOM range matching
// key: a bare date for a single day, "from-to" for a span, empty for no
// filter.
func dateRangeKey(from, to string) string {
	switch {
	case from == "" && to == "":
		return ""
	case to == "" || from == to:
		return from
	case from == "":
		return "-" + to
	default:
		return from + "-" + to
	}
}

func matchFromIdentifier(id *dimse.Identifier) Match {
	return Match{
		StudyInstanceUID:  id.GetString(dimse.TagStudyInstanceUID),
		PatientID:         id.GetString(dimse.TagPatientID),
		PatientName:       id.GetString(dimse.TagPatientName),
		StudyDate:         id.GetString(dimse.TagStudyDate),
		AccessionNumber:   id.GetString(dimse.TagAccessionNumber),
		StudyDescription:  id.GetString(dimse.TagStudyDescription),
		ModalitiesInStudy: id.GetStrings(dimse.TagModalitiesInStudy),
		NumberOfSeries:    atoiOrZero(id.GetString(dimse.TagStudyRelatedSeries)),
		NumberOfInstances: atoiOrZero(id.GetString(dimse.TagStudyRelatedInstances)),
	}
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
