// Package ingest implements the upload ingestion gateway: stream + hash,
// content-level dedup, upload record creation and work-item enqueue.
package ingest

import (
	"encoding/json"
	"errors"
	"io"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	log "github.com/sirupsen/logrus"

	"gwascoloc/models"
	"gwascoloc/pkg/contentstore"
	"gwascoloc/pkg/queue"
)

var (
	ErrInvalidMetadata  = errors.New("invalid upload metadata")
	ErrQueueUnavailable = errors.New("work queue unavailable")
)

// Gateway wires the upload store, content store and work queue together.
// Constructed once at process start and shared by the HTTP server and the
// drop-directory watcher.
type Gateway struct {
	DB     *gorm.DB
	Queues *queue.Queues
	Store  *contentstore.Store
}

// Ingest streams r into the content store, dedups by content hash and, for
// new content, persists an upload record and enqueues a work item. The
// second return reports whether a new record was created; re-uploading
// byte-identical content returns the existing record untouched.
//
// Fail-closed: if anything past staging fails, the staged file, the record
// and the committed content are cleaned up so no partial upload remains.
func (g *Gateway) Ingest(r io.Reader, meta queue.StudyMetadata, userID *uint) (*models.GwasUpload, bool, error) {
	if err := validate(meta); err != nil {
		return nil, false, err
	}

	guid, staged, err := g.Store.Stage(r)
	if err != nil {
		return nil, false, err
	}

	mapping, err := json.Marshal(meta.ColumnMapping)
	if err != nil {
		g.Store.Discard(staged)
		return nil, false, err
	}
	up := models.GwasUpload{
		GUID:           guid,
		Name:           meta.Name,
		Ancestry:       meta.Ancestry,
		SampleSize:     meta.SampleSize,
		Category:       meta.Category,
		ReferenceBuild: meta.ReferenceBuild,
		ColumnMapping:  string(mapping),
		FilePath:       g.Store.Path(guid),
		Status:         models.StatusProcessing,
		UserID:         userID,
	}

	// Dedup is a single atomic insert-if-absent on guid, not a
	// read-then-write pair, so a concurrent ingest of the same content
	// cannot create two records.
	res := g.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guid"}},
		DoNothing: true,
	}).Create(&up)
	if res.Error != nil {
		g.Store.Discard(staged)
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		g.Store.Discard(staged)
		var existing models.GwasUpload
		if err := g.DB.Where("guid = ?", guid).First(&existing).Error; err != nil {
			return nil, false, err
		}
		log.WithFields(log.Fields{"guid": guid, "op": "ingest"}).Info("duplicate upload, returning existing record")
		return &existing, false, nil
	}

	if _, err := g.Store.Commit(guid, staged); err != nil {
		g.Store.Discard(staged)
		g.DB.Where("guid = ?", guid).Delete(&models.GwasUpload{})
		return nil, false, err
	}

	item := queue.WorkItem{Version: 1, GUID: guid, FilePath: up.FilePath, Metadata: meta}
	ok, err := g.Queues.Push(queue.UploadQueue, item)
	if err != nil || !ok {
		g.DB.Where("guid = ?", guid).Delete(&models.GwasUpload{})
		if rmErr := g.Store.Remove(guid); rmErr != nil {
			log.WithFields(log.Fields{"guid": guid, "op": "ingest"}).WithError(rmErr).Warn("content cleanup failed")
		}
		if err != nil {
			return nil, false, err
		}
		return nil, false, ErrQueueUnavailable
	}

	return &up, true, nil
}

func validate(meta queue.StudyMetadata) error {
	if meta.Name == "" || len(meta.ColumnMapping) == 0 || meta.SampleSize < 0 {
		return ErrInvalidMetadata
	}
	return nil
}
