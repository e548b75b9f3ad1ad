// Package reconcile merges the worker's colocalization output with the
// canonical reference store, resolving natural keys into foreign keys and
// driving the upload to a terminal status.
package reconcile

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"gwascoloc/models"
)

var ErrNotFound = errors.New("upload not found")

// ExtractionInput is one study extraction as submitted by the worker,
// keyed by the caller-supplied natural key UniqueStudyID.
type ExtractionInput struct {
	UniqueStudyID string  `json:"unique_study_id" binding:"required"`
	Chr           string  `json:"chr"`
	Bp            int64   `json:"bp"`
	MinP          float64 `json:"min_p"`
	CandidateSnp  string  `json:"candidate_snp"`
	LdBlock       string  `json:"ld_block"`
	KnownGene     string  `json:"known_gene"`
}

// ColocInput is one colocalization group result from the worker.
type ColocInput struct {
	UniqueStudyID string  `json:"unique_study_id" binding:"required"`
	Snp           string  `json:"snp"`
	PPH3          float64 `json:"pp_h3"`
	PPH4          float64 `json:"pp_h4"`
	NSnps         int     `json:"n_snps"`
}

// ColocPairInput is one pairwise colocalization result from the worker.
type ColocPairInput struct {
	UniqueStudyID string  `json:"unique_study_id" binding:"required"`
	Snp           string  `json:"snp"`
	PPH3          float64 `json:"pp_h3"`
	PPH4          float64 `json:"pp_h4"`
}

// Unresolved reports a record whose natural key matched neither the
// upload's own extractions nor the canonical store. The record is excluded
// from persistence; the rest of the batch proceeds.
type Unresolved struct {
	Kind          string `json:"kind"` // "coloc" or "coloc_pair"
	UniqueStudyID string `json:"unique_study_id"`
	Position      int    `json:"position"`
}

// Report collects per-record reconciliation failures for the caller.
type Report struct {
	Unresolved []Unresolved `json:"unresolved"`
}

// Engine reconciles worker output against the upload and reference stores.
type Engine struct {
	DB *gorm.DB
}

// Complete runs the full reconciliation for one upload inside a single
// transaction and transitions it to COMPLETED. Completing an upload that is
// already COMPLETED is an idempotent no-op. Unknown GUIDs return
// ErrNotFound.
func (e *Engine) Complete(guid string, extractions []ExtractionInput, colocs []ColocInput, pairs []ColocPairInput) (*models.GwasUpload, *Report, error) {
	var up models.GwasUpload
	report := &Report{Unresolved: []Unresolved{}}

	err := e.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guid = ?", guid).First(&up).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if up.Status == models.StatusCompleted {
			return nil
		}

		// An admin rerun sends the upload back through the worker, so a
		// previous completion may have left rows behind. Purge them first;
		// reconciliation output replaces, never accumulates.
		if err := tx.Where("upload_guid = ?", guid).Delete(&models.UploadColocPair{}).Error; err != nil {
			return err
		}
		if err := tx.Where("upload_guid = ?", guid).Delete(&models.UploadColoc{}).Error; err != nil {
			return err
		}
		if err := tx.Where("upload_guid = ?", guid).Delete(&models.UploadStudyExtraction{}).Error; err != nil {
			return err
		}

		ldNames := make([]string, len(extractions))
		snpNames := make([]string, len(extractions))
		for i, ex := range extractions {
			ldNames[i] = ex.LdBlock
			snpNames[i] = ex.CandidateSnp
		}
		ldRows, err := resolveLdBlocks(tx, ldNames)
		if err != nil {
			return err
		}
		snpRows, err := resolveSnps(tx, snpNames)
		if err != nil {
			return err
		}

		rows := make([]models.UploadStudyExtraction, len(extractions))
		for i, ex := range extractions {
			rows[i] = models.UploadStudyExtraction{
				UploadGUID:    guid,
				UniqueStudyID: ex.UniqueStudyID,
				Position:      i,
				Chr:           ex.Chr,
				Bp:            ex.Bp,
				MinP:          ex.MinP,
				CandidateSnp:  ex.CandidateSnp,
				LdBlock:       ex.LdBlock,
				KnownGene:     ex.KnownGene,
			}
			if ldRows[i] != nil {
				id := ldRows[i].ID
				rows[i].LdBlockID = &id
			}
			if snpRows[i] != nil {
				id := snpRows[i].ID
				rows[i].SnpID = &id
			}
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}

		// Upload-local extractions take priority over canonical rows for
		// the same natural key; canonical lookups only happen for keys
		// absent here.
		local := make(map[string]*models.UploadStudyExtraction, len(rows))
		for i := range rows {
			if _, ok := local[rows[i].UniqueStudyID]; !ok {
				local[rows[i].UniqueStudyID] = &rows[i]
			}
		}

		colocRows, err := mergeColocs(tx, guid, colocs, local, report)
		if err != nil {
			return err
		}
		pairRows, err := mergePairs(tx, guid, pairs, local, report)
		if err != nil {
			return err
		}
		if len(colocRows) > 0 {
			if err := tx.Create(&colocRows).Error; err != nil {
				return err
			}
		}
		if len(pairRows) > 0 {
			if err := tx.Create(&pairRows).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&models.GwasUpload{}).Where("guid = ?", guid).
			Updates(map[string]interface{}{"status": models.StatusCompleted, "failed_reason": ""}).Error; err != nil {
			return err
		}
		up.Status = models.StatusCompleted
		up.FailedReason = ""
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(log.Fields{
		"guid":       guid,
		"op":         "complete",
		"unresolved": len(report.Unresolved),
	}).Info("upload reconciled")
	return &up, report, nil
}

func mergeColocs(tx *gorm.DB, guid string, colocs []ColocInput, local map[string]*models.UploadStudyExtraction, report *Report) ([]models.UploadColoc, error) {
	canonKeys := make([]string, len(colocs))
	snpNames := make([]string, len(colocs))
	for i, c := range colocs {
		if _, ok := local[c.UniqueStudyID]; !ok {
			canonKeys[i] = c.UniqueStudyID
		}
		snpNames[i] = c.Snp
	}
	canon, err := resolveCanonicalExtractions(tx, canonKeys)
	if err != nil {
		return nil, err
	}
	snps, err := resolveSnps(tx, snpNames)
	if err != nil {
		return nil, err
	}

	out := make([]models.UploadColoc, 0, len(colocs))
	for i, c := range colocs {
		row := models.UploadColoc{
			UploadGUID:    guid,
			UniqueStudyID: c.UniqueStudyID,
			Snp:           c.Snp,
			PPH3:          c.PPH3,
			PPH4:          c.PPH4,
			NSnps:         c.NSnps,
		}
		if snps[i] != nil {
			id := snps[i].ID
			row.SnpID = &id
		}
		if ex, ok := local[c.UniqueStudyID]; ok {
			id := ex.ID
			row.UploadStudyExtractionID = &id
			row.Chr, row.Bp, row.MinP = ex.Chr, ex.Bp, ex.MinP
			row.LdBlock, row.KnownGene = ex.LdBlock, ex.KnownGene
			row.LdBlockID = ex.LdBlockID
		} else if canon[i] != nil {
			id := canon[i].ID
			row.StudyExtractionID = &id
			row.Chr, row.Bp, row.MinP = canon[i].Chr, canon[i].Bp, canon[i].MinP
			row.LdBlock, row.KnownGene = canon[i].LdBlock, canon[i].KnownGene
			row.LdBlockID = canon[i].LdBlockID
		} else {
			report.Unresolved = append(report.Unresolved, Unresolved{Kind: "coloc", UniqueStudyID: c.UniqueStudyID, Position: i})
			log.WithFields(log.Fields{"guid": guid, "op": "complete", "unique_study_id": c.UniqueStudyID}).
				Warn("coloc references unknown study, skipping record")
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func mergePairs(tx *gorm.DB, guid string, pairs []ColocPairInput, local map[string]*models.UploadStudyExtraction, report *Report) ([]models.UploadColocPair, error) {
	canonKeys := make([]string, len(pairs))
	snpNames := make([]string, len(pairs))
	for i, p := range pairs {
		if _, ok := local[p.UniqueStudyID]; !ok {
			canonKeys[i] = p.UniqueStudyID
		}
		snpNames[i] = p.Snp
	}
	canon, err := resolveCanonicalExtractions(tx, canonKeys)
	if err != nil {
		return nil, err
	}
	snps, err := resolveSnps(tx, snpNames)
	if err != nil {
		return nil, err
	}

	out := make([]models.UploadColocPair, 0, len(pairs))
	for i, p := range pairs {
		row := models.UploadColocPair{
			UploadGUID:    guid,
			UniqueStudyID: p.UniqueStudyID,
			Snp:           p.Snp,
			PPH3:          p.PPH3,
			PPH4:          p.PPH4,
		}
		if snps[i] != nil {
			id := snps[i].ID
			row.SnpID = &id
		}
		if ex, ok := local[p.UniqueStudyID]; ok {
			id := ex.ID
			row.UploadStudyExtractionID = &id
			row.Chr, row.Bp, row.MinP = ex.Chr, ex.Bp, ex.MinP
			row.LdBlock, row.KnownGene = ex.LdBlock, ex.KnownGene
			row.LdBlockID = ex.LdBlockID
		} else if canon[i] != nil {
			id := canon[i].ID
			row.StudyExtractionID = &id
			row.Chr, row.Bp, row.MinP = canon[i].Chr, canon[i].Bp, canon[i].MinP
			row.LdBlock, row.KnownGene = canon[i].LdBlock, canon[i].KnownGene
			row.LdBlockID = canon[i].LdBlockID
		} else {
			report.Unresolved = append(report.Unresolved, Unresolved{Kind: "coloc_pair", UniqueStudyID: p.UniqueStudyID, Position: i})
			log.WithFields(log.Fields{"guid": guid, "op": "complete", "unique_study_id": p.UniqueStudyID}).
				Warn("coloc pair references unknown study, skipping record")
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// Fail records the worker-reported reason and transitions the upload to
// FAILED. The failure is emitted as a structured error event for alerting.
// A stray fail callback for an already COMPLETED upload is a no-op: only
// the admin rerun path may regress a terminal status.
func (e *Engine) Fail(guid, reason string) (*models.GwasUpload, error) {
	var up models.GwasUpload
	if err := e.DB.Where("guid = ?", guid).First(&up).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if up.Status == models.StatusCompleted {
		log.WithFields(log.Fields{"guid": guid, "op": "fail"}).
			Warn("ignoring fail callback for completed upload")
		return &up, nil
	}
	if err := e.DB.Model(&up).
		Updates(map[string]interface{}{"status": models.StatusFailed, "failed_reason": reason}).Error; err != nil {
		return nil, err
	}
	up.Status = models.StatusFailed
	up.FailedReason = reason
	log.WithFields(log.Fields{"guid": guid, "op": "fail", "reason": reason}).
		Error("upload processing failed")
	return &up, nil
}
