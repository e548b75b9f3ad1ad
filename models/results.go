package models

import "time"

// Upload-scoped rows produced by reconciliation. All three are keyed back
// to the upload by GUID and never mutated after the upload completes.

// UploadStudyExtraction is one study extraction submitted by the worker for
// a single upload, with SnpID/LdBlockID resolved against the reference
// store where possible (nil when unresolved). Position preserves the order
// of the worker's submitted list.
type UploadStudyExtraction struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	CreatedAt     time.Time `json:"-"`
	UploadGUID    string    `gorm:"column:upload_guid;size:64;not null;index" json:"upload_guid"`
	UniqueStudyID string    `gorm:"size:255;not null;index" json:"unique_study_id"`
	Position      int       `json:"position"`
	Chr           string    `gorm:"size:8" json:"chr"`
	Bp            int64     `json:"bp"`
	MinP          float64   `json:"min_p"`
	CandidateSnp  string    `gorm:"size:64" json:"candidate_snp"`
	LdBlock       string    `gorm:"size:64" json:"ld_block"`
	KnownGene     string    `gorm:"size:64" json:"known_gene"`
	SnpID         *int64    `gorm:"index" json:"snp_id"`
	LdBlockID     *int64    `gorm:"index" json:"ld_block_id"`
}

// UploadColoc is one colocalization result row. Exactly one of
// UploadStudyExtractionID (upload-local match) and StudyExtractionID
// (canonical match) is set; chr/bp/min-p/ld-block/known-gene are copied
// from whichever extraction matched so readers never need a join.
type UploadColoc struct {
	ID                      uint      `gorm:"primaryKey" json:"-"`
	CreatedAt               time.Time `json:"-"`
	UploadGUID              string    `gorm:"column:upload_guid;size:64;not null;index" json:"upload_guid"`
	UniqueStudyID           string    `gorm:"size:255;not null;index" json:"unique_study_id"`
	UploadStudyExtractionID *uint     `gorm:"index" json:"upload_study_extraction_id"`
	StudyExtractionID       *int64    `gorm:"index" json:"study_extraction_id"`
	Chr                     string    `gorm:"size:8" json:"chr"`
	Bp                      int64     `json:"bp"`
	MinP                    float64   `json:"min_p"`
	LdBlock                 string    `gorm:"size:64" json:"ld_block"`
	KnownGene               string    `gorm:"size:64" json:"known_gene"`
	Snp                     string    `gorm:"size:64" json:"snp"`
	SnpID                   *int64    `gorm:"index" json:"snp_id"`
	LdBlockID               *int64    `gorm:"index" json:"ld_block_id"`
	PPH3                    float64   `gorm:"column:pp_h3" json:"pp_h3"`
	PPH4                    float64   `gorm:"column:pp_h4" json:"pp_h4"`
	NSnps                   int       `gorm:"column:n_snps" json:"n_snps"`
}

// UploadColocPair is one pairwise colocalization row; resolution and
// denormalization follow the same rules as UploadColoc.
type UploadColocPair struct {
	ID                      uint      `gorm:"primaryKey" json:"-"`
	CreatedAt               time.Time `json:"-"`
	UploadGUID              string    `gorm:"column:upload_guid;size:64;not null;index" json:"upload_guid"`
	UniqueStudyID           string    `gorm:"size:255;not null;index" json:"unique_study_id"`
	UploadStudyExtractionID *uint     `gorm:"index" json:"upload_study_extraction_id"`
	StudyExtractionID       *int64    `gorm:"index" json:"study_extraction_id"`
	Chr                     string    `gorm:"size:8" json:"chr"`
	Bp                      int64     `json:"bp"`
	MinP                    float64   `json:"min_p"`
	LdBlock                 string    `gorm:"size:64" json:"ld_block"`
	KnownGene               string    `gorm:"size:64" json:"known_gene"`
	Snp                     string    `gorm:"size:64" json:"snp"`
	SnpID                   *int64    `gorm:"index" json:"snp_id"`
	LdBlockID               *int64    `gorm:"index" json:"ld_block_id"`
	PPH3                    float64   `gorm:"column:pp_h3" json:"pp_h3"`
	PPH4                    float64   `gorm:"column:pp_h4" json:"pp_h4"`
}
