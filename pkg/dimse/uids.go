package dimse

import "strings"

// ApplicationContextUID is the single application context defined by the standard.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Transfer syntax UIDs (DICOM PS3.5 §10, PS3.6 Annex A).
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
	JPEGBaseline8Bit       = "1.2.840.10008.1.2.4.50"
	JPEG2000Lossless       = "1.2.840.10008.1.2.4.90"
)

// DefaultTransferSyntaxes is the fixed set of encodings the engine offers and
// accepts, in preference order. The first three are the uncompressed syntaxes
// every archive is required to understand; the last two cover the compressed
// encodings commonly seen from image archives. These UIDs must go on the wire
// byte-exact or peers reject the association.
var DefaultTransferSyntaxes = []string{
	ImplicitVRLittleEndian,
	ExplicitVRLittleEndian,
	ExplicitVRBigEndian,
	JPEGBaseline8Bit,
	JPEG2000Lossless,
}

// Verification SOP class (C-ECHO).
const VerificationSOPClass = "1.2.840.10008.1.1"

// Query/Retrieve information model SOP classes.
const (
	PatientRootFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootMove = "1.2.840.10008.5.1.4.1.2.1.2"
	StudyRootFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMove   = "1.2.840.10008.5.1.4.1.2.2.2"
)

// Storage SOP classes the receiver accepts. The archive may hold the same
// modality's data under several classes (some archives convert everything to
// secondary capture), so the list is deliberately broad.
const (
	NuclearMedicineImageStorage      = "1.2.840.10008.5.1.4.1.1.20"
	CTImageStorage                   = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage                   = "1.2.840.10008.5.1.4.1.1.4"
	UltrasoundImageStorage           = "1.2.840.10008.5.1.4.1.1.6.1"
	SecondaryCaptureImageStorage     = "1.2.840.10008.5.1.4.1.1.7"
	ComputedRadiographyImageStorage  = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayImageStoragePresent   = "1.2.840.10008.5.1.4.1.1.1.1"
	DigitalXRayImageStorageProcess   = "1.2.840.10008.5.1.4.1.1.1.1.1"
)

// StorageSOPClasses enumerates the storage classes proposed to the archive and
// supported by the local receiver.
var StorageSOPClasses = []string{
	NuclearMedicineImageStorage,
	CTImageStorage,
	MRImageStorage,
	UltrasoundImageStorage,
	SecondaryCaptureImageStorage,
	ComputedRadiographyImageStorage,
	DigitalXRayImageStoragePresent,
	DigitalXRayImageStorageProcess,
}

// IsStorageSOPClass reports whether uid identifies a composite storage SOP
// class. All storage classes live under the 1.2.840.10008.5.1.4.1.1 root.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, "1.2.840.10008.5.1.4.1.1.")
}

// QueryModel selects the information model root used for find and move.
type QueryModel string

const (
	PatientRoot QueryModel = "patient"
	StudyRoot   QueryModel = "study"
)

// FindSOPClass returns the C-FIND SOP class UID for the model.
func (m QueryModel) FindSOPClass() string {
	if m == PatientRoot {
		return PatientRootFind
	}
	return StudyRootFind
}

// MoveSOPClass returns the C-MOVE SOP class UID for the model.
func (m QueryModel) MoveSOPClass() string {
	if m == PatientRoot {
		return PatientRootMove
	}
	return StudyRootMove
}

// Implementation identity sent in the user information item.
const (
	implementationClassUID    = "1.2.826.0.1.3680043.9.7433.2.1"
	implementationVersionName = "PACSFETCH_1.0"
)
