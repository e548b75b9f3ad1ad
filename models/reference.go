package models

// Canonical reference tables. The pipeline only ever reads these; they are
// populated out of band by the reference build process.

// Snp is one variant in the canonical variant table, keyed by rsid.
type Snp struct {
	ID   int64  `gorm:"primaryKey" json:"id"`
	Rsid string `gorm:"size:64;not null;uniqueIndex" json:"rsid"`
	Chr  string `gorm:"size:8" json:"chr"`
	Bp   int64  `json:"bp"`
}

// LdBlock is one linkage-disequilibrium block, named "chr:start-stop".
type LdBlock struct {
	ID      int64  `gorm:"primaryKey" json:"id"`
	LdBlock string `gorm:"column:ld_block;size:64;not null;uniqueIndex" json:"ld_block"`
	Chr     string `gorm:"size:8" json:"chr"`
	Start   int64  `json:"start"`
	Stop    int64  `json:"stop"`
}

// StudyExtraction is a previously-accepted study extraction in the shared
// reference store, correlated across batches by UniqueStudyID.
type StudyExtraction struct {
	ID            int64  `gorm:"primaryKey" json:"id"`
	UniqueStudyID string `gorm:"size:255;not null;index" json:"unique_study_id"`
	Chr           string `gorm:"size:8" json:"chr"`
	Bp            int64  `json:"bp"`
	MinP          float64 `json:"min_p"`
	LdBlock       string  `gorm:"size:64" json:"ld_block"`
	KnownGene     string  `gorm:"size:64" json:"known_gene"`
	SnpID         *int64  `gorm:"index" json:"snp_id"`
	LdBlockID     *int64  `gorm:"index" json:"ld_block_id"`
}
