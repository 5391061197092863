package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunRecord is one batch run: its configuration fingerprint, counters, and
// final outcome. Written at start, updated once at the end.
type RunRecord struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	PeerHost     string     `gorm:"type:varchar(255);not null" json:"peer_host"`
	PeerAET      string     `gorm:"type:varchar(16);not null" json:"peer_aet"`
	DateFrom     string     `gorm:"type:varchar(8)" json:"date_from"`
	DateTo       string     `gorm:"type:varchar(8)" json:"date_to"`
	DryRun       bool       `json:"dry_run"`
	Outcome      string     `gorm:"type:varchar(20);index" json:"outcome"` // succeeded, failed, interrupted
	Matched      int        `json:"matched"`
	Attempted    int        `json:"attempted"`
	Succeeded    int        `json:"succeeded"`
	Warned       int        `json:"warned"`
	Failed       int        `json:"failed"`
	ImagesStored int64      `json:"images_stored"`
	StartedAt    time.Time  `gorm:"index" json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func (RunRecord) TableName() string {
	return "runs"
}

func (r *RunRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// RetrievalRecord is one study's retrieval attempt within a run.
type RetrievalRecord struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	RunID            uuid.UUID `gorm:"type:uuid;not null;index" json:"run_id"`
	StudyInstanceUID string    `gorm:"type:varchar(255);not null;index" json:"study_instance_uid"`
	PatientID        string    `gorm:"type:varchar(255);index" json:"patient_id"`
	StudyDate        string    `gorm:"type:varchar(8)" json:"study_date"`
	Outcome          string    `gorm:"type:varchar(20);index" json:"outcome"`
	Status           int       `json:"status"`
	Completed        int       `json:"completed"`
	Failed           int       `json:"failed"`
	Reason           string    `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}

func (RetrievalRecord) TableName() string {
	return "retrievals"
}

func (r *RetrievalRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
