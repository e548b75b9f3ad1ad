package reconcile

import (
	"gorm.io/gorm"

	"gwascoloc/models"
)

// Order-preserving batch resolvers. Given N keys each returns a slice of
// length N where position i is the matched row or nil; callers attach
// resolved IDs positionally, so the result is never filtered or reordered.

func resolveLdBlocks(tx *gorm.DB, names []string) ([]*models.LdBlock, error) {
	out := make([]*models.LdBlock, len(names))
	uniq := distinct(names)
	if len(uniq) == 0 {
		return out, nil
	}
	var rows []models.LdBlock
	if err := tx.Where("ld_block IN ?", uniq).Find(&rows).Error; err != nil {
		return nil, err
	}
	byName := make(map[string]*models.LdBlock, len(rows))
	for i := range rows {
		byName[rows[i].LdBlock] = &rows[i]
	}
	for i, name := range names {
		out[i] = byName[name]
	}
	return out, nil
}

func resolveSnps(tx *gorm.DB, rsids []string) ([]*models.Snp, error) {
	out := make([]*models.Snp, len(rsids))
	uniq := distinct(rsids)
	if len(uniq) == 0 {
		return out, nil
	}
	var rows []models.Snp
	if err := tx.Where("rsid IN ?", uniq).Find(&rows).Error; err != nil {
		return nil, err
	}
	byRsid := make(map[string]*models.Snp, len(rows))
	for i := range rows {
		byRsid[rows[i].Rsid] = &rows[i]
	}
	for i, rsid := range rsids {
		out[i] = byRsid[rsid]
	}
	return out, nil
}

func resolveCanonicalExtractions(tx *gorm.DB, studyIDs []string) ([]*models.StudyExtraction, error) {
	out := make([]*models.StudyExtraction, len(studyIDs))
	uniq := distinct(studyIDs)
	if len(uniq) == 0 {
		return out, nil
	}
	var rows []models.StudyExtraction
	if err := tx.Where("unique_study_id IN ?", uniq).Find(&rows).Error; err != nil {
		return nil, err
	}
	// first row wins for a duplicated natural key
	byID := make(map[string]*models.StudyExtraction, len(rows))
	for i := range rows {
		if _, ok := byID[rows[i].UniqueStudyID]; !ok {
			byID[rows[i].UniqueStudyID] = &rows[i]
		}
	}
	for i, id := range studyIDs {
		out[i] = byID[id]
	}
	return out, nil
}

func distinct(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
