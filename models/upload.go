package models

import (
	"time"
)

// Upload statuses. PROCESSING is set at ingestion; the reconciliation
// engine owns the transition to either terminal state.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// GwasUpload is one ingested colocalization study upload. GUID is the full
// hex SHA-256 digest of the uploaded file, so re-uploading byte-identical
// content maps onto the same row.
type GwasUpload struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"-"`
	GUID           string    `gorm:"column:guid;size:64;not null;uniqueIndex" json:"guid"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	Ancestry       string    `gorm:"size:64" json:"ancestry"`
	SampleSize     int64     `json:"sample_size"`
	Category       string    `gorm:"size:64" json:"category"`
	ReferenceBuild string    `gorm:"size:16" json:"reference_build"`
	// ColumnMapping is the uploader's column-name mapping, stored as raw JSON.
	ColumnMapping string `gorm:"type:text" json:"column_mapping"`
	FilePath      string `gorm:"size:512" json:"file_path"`
	Status        string `gorm:"size:16;not null;index" json:"status"`
	FailedReason  string `gorm:"size:512" json:"failed_reason,omitempty"`
	UserID        *uint  `gorm:"index" json:"-"`
}
