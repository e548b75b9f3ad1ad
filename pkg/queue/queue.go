// Package queue provides the named Redis work queues the pipeline
// coordinates through, plus the paired dead-letter queues. Only the fixed
// set of queue names declared here is accepted; anything else is a
// configuration error, not a silent new list.
package queue

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
)

// UploadQueue carries ingested uploads to the colocalization worker.
const UploadQueue = "gwas_upload"

const dlqSuffix = "_dlq"

var allowedQueues = map[string]bool{
	UploadQueue: true,
}

var ErrUnknownQueue = errors.New("unknown queue name")

// StudyMetadata is the request metadata captured at ingestion and carried
// on the work item so the worker never has to read the upload store.
type StudyMetadata struct {
	Name           string            `json:"name"`
	Ancestry       string            `json:"ancestry"`
	SampleSize     int64             `json:"sample_size"`
	Category       string            `json:"category"`
	ReferenceBuild string            `json:"reference_build"`
	ColumnMapping  map[string]string `json:"column_mapping"`
}

// WorkItem is the queue wire format. Version tags the schema so payloads
// can evolve without breaking older consumers.
type WorkItem struct {
	Version  int           `json:"version"`
	GUID     string        `json:"guid"`
	FilePath string        `json:"file_path"`
	Metadata StudyMetadata `json:"metadata"`
}

// DLQEntry wraps a failed delivery's original payload with error context.
type DLQEntry struct {
	OriginalMessage json.RawMessage `json:"original_message"`
	Error           string          `json:"error"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Queues wraps a Redis client with the queue contract. DLQ mutation is
// serialized per queue name: retry rewrites the whole list, and two
// concurrent rewrites would lose entries.
type Queues struct {
	client redis.UniversalClient
	dlqMu  map[string]*sync.Mutex
}

func New(client redis.UniversalClient) *Queues {
	mu := make(map[string]*sync.Mutex, len(allowedQueues))
	for name := range allowedQueues {
		mu[name] = &sync.Mutex{}
	}
	return &Queues{client: client, dlqMu: mu}
}

func checkQueue(name string) error {
	if !allowedQueues[name] {
		return ErrUnknownQueue
	}
	return nil
}

// Push appends an item to the named queue. Transient backend errors are
// logged and reported as false so callers choose their own retry policy.
func (q *Queues) Push(name string, item WorkItem) (bool, error) {
	if err := checkQueue(name); err != nil {
		return false, err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return false, err
	}
	if err := q.client.RPush(name, string(data)).Err(); err != nil {
		log.WithFields(log.Fields{"queue": name, "guid": item.GUID, "op": "push"}).
			WithError(err).Error("queue push failed")
		return false, nil
	}
	return true, nil
}

// Pop removes and returns the oldest item. A zero timeout returns
// immediately (nil on empty); a positive timeout blocks the calling
// goroutine until an item arrives or the timeout elapses (nil on timeout).
// Nothing else is held while blocked.
func (q *Queues) Pop(name string, timeout time.Duration) (*WorkItem, error) {
	if err := checkQueue(name); err != nil {
		return nil, err
	}
	var raw string
	if timeout <= 0 {
		val, err := q.client.LPop(name).Result()
		if err == redis.Nil {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		raw = val
	} else {
		vals, err := q.client.BLPop(timeout, name).Result()
		if err == redis.Nil {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		// BLPOP returns [key, value]
		raw = vals[1]
	}
	var item WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Peek returns items in the given range without consuming them. Malformed
// entries are skipped. Used by health checks for queue visibility.
func (q *Queues) Peek(name string, start, stop int64) ([]WorkItem, error) {
	if err := checkQueue(name); err != nil {
		return nil, err
	}
	raws, err := q.client.LRange(name, start, stop).Result()
	if err != nil {
		return nil, err
	}
	items := make([]WorkItem, 0, len(raws))
	for _, raw := range raws {
		var item WorkItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			log.WithFields(log.Fields{"queue": name, "op": "peek"}).
				WithError(err).Warn("skipping malformed queue entry")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Len reports the current depth of the named queue.
func (q *Queues) Len(name string) (int64, error) {
	if err := checkQueue(name); err != nil {
		return 0, err
	}
	return q.client.LLen(name).Result()
}
