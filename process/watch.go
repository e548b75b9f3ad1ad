package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"gwascoloc/pkg/ingest"
	"gwascoloc/pkg/queue"
)

// watchDirectory ingests summary-statistics files dropped into dir. Write
// events are debounced on a ticker and a file is only picked up once its
// size has been stable for one tick, so partially copied files are never
// staged. Ingestion is idempotent by content hash, so re-delivered events
// for the same file are harmless.
func watchDirectory(dir string, gw *ingest.Gateway, workers int) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.WithFields(log.Fields{"dir": dir, "workers": workers}).Info("watching drop directory")

	jobs := make(chan string, 64)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				ingestFile(gw, path)
			}
		}()
	}

	// pending maps path -> last observed size; flushed when stable
	pending := make(map[string]int64)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				close(jobs)
				wg.Wait()
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isDataFile(ev.Name) {
				continue
			}
			pending[ev.Name] = -1
		case err, ok := <-watcher.Errors:
			if !ok {
				close(jobs)
				wg.Wait()
				return nil
			}
			log.WithError(err).Warn("watcher error")
		case <-ticker.C:
			for path, lastSize := range pending {
				info, err := os.Stat(path)
				if err != nil {
					delete(pending, path)
					continue
				}
				if info.Size() != lastSize {
					pending[path] = info.Size()
					continue
				}
				delete(pending, path)
				jobs <- path
			}
		}
	}
}

func isDataFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsv", ".csv", ".txt", ".gz":
		return true
	}
	return false
}

// ingestFile pushes one dropped file through the ingestion gateway.
// Metadata comes from a sidecar <file>.meta.json when present, otherwise
// defaults are derived from the filename.
func ingestFile(gw *ingest.Gateway, path string) {
	meta, err := sidecarMetadata(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("bad sidecar metadata, skipping file")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("cannot open dropped file")
		return
	}
	defer f.Close()

	up, created, err := gw.Ingest(f, meta, nil)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("ingest failed")
		return
	}
	if created {
		logV("ingested %s as %s", path, up.GUID)
	} else {
		logV("%s already ingested (%s)", path, up.GUID)
	}
}

func sidecarMetadata(path string) (queue.StudyMetadata, error) {
	meta := queue.StudyMetadata{
		Name:          strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		ColumnMapping: map[string]string{"chr": "chr", "bp": "bp", "p": "p"},
	}
	raw, err := os.ReadFile(path + ".meta.json")
	if os.IsNotExist(err) {
		return meta, nil
	}
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}
