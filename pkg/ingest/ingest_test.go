package ingest

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gwascoloc/models"
	"gwascoloc/pkg/contentstore"
	"gwascoloc/pkg/queue"
)

func newTestGateway(t *testing.T) *Gateway {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := contentstore.New(t.TempDir())
	require.NoError(t, err)

	return &Gateway{DB: db, Queues: queue.New(client), Store: store}
}

func testMeta(name string) queue.StudyMetadata {
	return queue.StudyMetadata{
		Name:           name,
		Ancestry:       "EUR",
		SampleSize:     10000,
		Category:       "continuous",
		ReferenceBuild: "GRCh38",
		ColumnMapping:  map[string]string{"chr": "CHR", "bp": "BP", "p": "P"},
	}
}

func TestIngestCreatesRecordAndEnqueues(t *testing.T) {
	g := newTestGateway(t)

	up, created, err := g.Ingest(strings.NewReader("summary stats"), testMeta("BMI"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, up.GUID, 64)
	assert.Equal(t, models.StatusProcessing, up.Status)
	assert.True(t, g.Store.Exists(up.GUID))

	item, err := g.Queues.Pop(queue.UploadQueue, 0)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, up.GUID, item.GUID)
	assert.Equal(t, up.FilePath, item.FilePath)
	assert.Equal(t, "BMI", item.Metadata.Name)
}

func TestIngestDedup(t *testing.T) {
	g := newTestGateway(t)

	first, created, err := g.Ingest(strings.NewReader("identical bytes"), testMeta("BMI"), nil)
	require.NoError(t, err)
	require.True(t, created)

	// byte-identical content, even with different metadata, is the same upload
	second, created, err := g.Ingest(strings.NewReader("identical bytes"), testMeta("BMI v2"), nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.GUID, second.GUID)
	assert.Equal(t, "BMI", second.Name)

	var count int64
	require.NoError(t, g.DB.Model(&models.GwasUpload{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// exactly one enqueue
	n, err := g.Queues.Len(queue.UploadQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIngestRejectsInvalidMetadata(t *testing.T) {
	g := newTestGateway(t)

	meta := testMeta("")
	_, _, err := g.Ingest(strings.NewReader("data"), meta, nil)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	meta = testMeta("ok")
	meta.ColumnMapping = nil
	_, _, err = g.Ingest(strings.NewReader("data"), meta, nil)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	// nothing was persisted or enqueued
	var count int64
	require.NoError(t, g.DB.Model(&models.GwasUpload{}).Count(&count).Error)
	assert.Zero(t, count)
	n, err := g.Queues.Len(queue.UploadQueue)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestFailsClosedWhenQueueDown(t *testing.T) {
	g := newTestGateway(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		DialTimeout: 100 * time.Millisecond,
		ReadTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { client.Close() })
	g.Queues = queue.New(client)
	mr.Close()

	_, _, err = g.Ingest(strings.NewReader("doomed"), testMeta("BMI"), nil)
	assert.ErrorIs(t, err, ErrQueueUnavailable)

	// no partial state: no record, no content
	var count int64
	require.NoError(t, g.DB.Model(&models.GwasUpload{}).Count(&count).Error)
	assert.Zero(t, count)
}
