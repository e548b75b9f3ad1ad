package queue

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
)

// MoveToDLQ wraps a failed item with error context and a timestamp and
// appends it to the queue's dead-letter list. Called by the dispatch
// layer's failure handler when delivery to the worker fails.
func (q *Queues) MoveToDLQ(name string, item WorkItem, cause string) (bool, error) {
	if err := checkQueue(name); err != nil {
		return false, err
	}
	original, err := json.Marshal(item)
	if err != nil {
		return false, err
	}
	entry := DLQEntry{OriginalMessage: original, Error: cause, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	if err := q.client.RPush(name+dlqSuffix, string(data)).Err(); err != nil {
		log.WithFields(log.Fields{"queue": name, "guid": item.GUID, "op": "move_to_dlq"}).
			WithError(err).Error("dead-letter write failed")
		return false, nil
	}
	return true, nil
}

// ListDLQIdentifiers scans the dead-letter list and returns the GUID
// embedded in each entry's original payload. Malformed entries are skipped.
func (q *Queues) ListDLQIdentifiers(name string) ([]string, error) {
	if err := checkQueue(name); err != nil {
		return nil, err
	}
	raws, err := q.client.LRange(name+dlqSuffix, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	guids := make([]string, 0, len(raws))
	for _, raw := range raws {
		guid, ok := dlqEntryGUID(raw)
		if !ok {
			log.WithFields(log.Fields{"queue": name, "op": "list_dlq"}).
				Warn("skipping malformed dead-letter entry")
			continue
		}
		guids = append(guids, guid)
	}
	return guids, nil
}

// RetryByIdentifier re-enqueues the first dead-letter entry whose original
// payload carries the given GUID. The whole DLQ list is read and rewritten
// minus the match; if the re-push fails the match is written back rather
// than lost. Returns false when no entry matches.
func (q *Queues) RetryByIdentifier(name, guid string) (bool, error) {
	if err := checkQueue(name); err != nil {
		return false, err
	}
	q.dlqMu[name].Lock()
	defer q.dlqMu[name].Unlock()
	return q.retryLocked(name, guid)
}

func (q *Queues) retryLocked(name, guid string) (bool, error) {
	dlq := name + dlqSuffix
	raws, err := q.client.LRange(dlq, 0, -1).Result()
	if err != nil {
		return false, err
	}
	matched := ""
	keep := make([]interface{}, 0, len(raws))
	for _, raw := range raws {
		if matched == "" {
			if g, ok := dlqEntryGUID(raw); ok && g == guid {
				matched = raw
				continue
			}
		}
		keep = append(keep, raw)
	}
	if matched == "" {
		return false, nil
	}
	if err := q.client.Del(dlq).Err(); err != nil {
		return false, err
	}
	if len(keep) > 0 {
		if err := q.client.RPush(dlq, keep...).Err(); err != nil {
			return false, err
		}
	}
	var entry DLQEntry
	if err := json.Unmarshal([]byte(matched), &entry); err != nil {
		return false, err
	}
	if err := q.client.RPush(name, string(entry.OriginalMessage)).Err(); err != nil {
		// put the entry back so it is not lost
		if err2 := q.client.RPush(dlq, matched).Err(); err2 != nil {
			log.WithFields(log.Fields{"queue": name, "guid": guid, "op": "retry"}).
				WithError(err2).Error("failed to restore dead-letter entry after push failure")
		}
		log.WithFields(log.Fields{"queue": name, "guid": guid, "op": "retry"}).
			WithError(err).Error("retry push failed")
		return false, nil
	}
	return true, nil
}

// RetryAll retries every identifier currently in the DLQ, counting
// successes. Individual failures do not abort the loop.
func (q *Queues) RetryAll(name string) (int, error) {
	if err := checkQueue(name); err != nil {
		return 0, err
	}
	q.dlqMu[name].Lock()
	defer q.dlqMu[name].Unlock()
	guids, err := q.ListDLQIdentifiers(name)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, guid := range guids {
		ok, err := q.retryLocked(name, guid)
		if err != nil {
			log.WithFields(log.Fields{"queue": name, "guid": guid, "op": "retry_all"}).
				WithError(err).Error("retry failed")
			continue
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Clear deletes the entire dead-letter list.
func (q *Queues) Clear(name string) (bool, error) {
	if err := checkQueue(name); err != nil {
		return false, err
	}
	q.dlqMu[name].Lock()
	defer q.dlqMu[name].Unlock()
	if err := q.client.Del(name + dlqSuffix).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveByIdentifier purges every trace of a GUID from the work queue and
// its DLQ. Used by the administrative delete-upload cascade.
func (q *Queues) RemoveByIdentifier(name, guid string) error {
	if err := checkQueue(name); err != nil {
		return err
	}
	q.dlqMu[name].Lock()
	defer q.dlqMu[name].Unlock()

	raws, err := q.client.LRange(name, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, raw := range raws {
		var item WorkItem
		if json.Unmarshal([]byte(raw), &item) == nil && item.GUID == guid {
			if err := q.client.LRem(name, 0, raw).Err(); err != nil {
				return err
			}
		}
	}
	dlq := name + dlqSuffix
	raws, err = q.client.LRange(dlq, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, raw := range raws {
		if g, ok := dlqEntryGUID(raw); ok && g == guid {
			if err := q.client.LRem(dlq, 0, raw).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func dlqEntryGUID(raw string) (string, bool) {
	var entry DLQEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return "", false
	}
	var item WorkItem
	if err := json.Unmarshal(entry.OriginalMessage, &item); err != nil || item.GUID == "" {
		return "", false
	}
	return item.GUID, true
}
