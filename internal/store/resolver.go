package store

import (
	"path/filepath"
	"strings"
)

// UnknownSegment replaces any identifying attribute that a peer failed to
// send, so one incomplete instance never shifts where its siblings land.
const UnknownSegment = "UNKNOWN"

// IncomingInstance carries the identifying attributes of one received
// dataset, extracted from its header before the payload is written.
type IncomingInstance struct {
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
}

// ResolvePath maps an instance's identifying attributes to its output file:
// root/patient/study/series/instance.dcm. Pure and deterministic; the same
// attributes always resolve to the same path, which is what lets an
// interrupted run resume without duplicating files. Downstream tooling
// depends on this layout.
func ResolvePath(root string, inst IncomingInstance) string {
	return filepath.Join(
		root,
		pathSegment(inst.PatientID),
		pathSegment(inst.StudyInstanceUID),
		pathSegment(inst.SeriesInstanceUID),
		pathSegment(inst.SOPInstanceUID)+".dcm",
	)
}

// pathSegment sanitizes one attribute into a single directory level.
// Separators and traversal dots are replaced so a hostile or sloppy peer
// cannot steer writes outside the output root.
func pathSegment(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return UnknownSegment
	}

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	cleaned := strings.Trim(b.String(), ".")
	if cleaned == "" {
		return UnknownSegment
	}
	return cleaned
}
