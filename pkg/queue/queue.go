// Package queue is a durable, bounded FIFO of state reports the device
// could not send to the cloud, bbolt-backed like pkg/identity, using
// monotonically increasing keys as the queue's natural FIFO order instead
// of a separate index structure.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/fleetd/pkg/agenterrors"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/types"
)

var bucketQueue = []byte("offline_queue")

// Queue is a durable, bounded FIFO of types.QueuedReport. When full,
// Enqueue drops the oldest entry to make room for the newest — the device
// always prefers a fresher picture of itself over strict completeness.
type Queue struct {
	db  *bolt.DB
	cap int
}

// Open opens (creating if necessary) the offline queue database under
// dataDir, bounded to capacity entries.
func Open(dataDir string, capacity int) (*Queue, error) {
	db, err := bolt.Open(dataDir+"/queue.db", 0600, nil)
	if err != nil {
		return nil, agenterrors.New(agenterrors.DurableIOError, fmt.Errorf("failed to open offline queue database: %w", err))
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQueue)
		return err
	}); err != nil {
		db.Close()
		return nil, agenterrors.New(agenterrors.DurableIOError, fmt.Errorf("failed to create offline queue bucket: %w", err))
	}

	return &Queue{db: db, cap: capacity}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue durably appends entry, dropping the oldest queued entry first if
// the queue is already at capacity.
func (q *Queue) Enqueue(entry types.QueuedReport) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal queued report: %w", err)
	}

	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)

		if q.cap > 0 && b.Stats().KeyN >= q.cap {
			c := b.Cursor()
			if k, _ := c.First(); k != nil {
				if err := b.Delete(k); err != nil {
					return err
				}
				metrics.OfflineQueueDroppedTotal.Inc()
			}
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return agenterrors.New(agenterrors.DurableIOError, fmt.Errorf("failed to enqueue report: %w", err))
	}

	if size, sizeErr := q.Size(); sizeErr == nil {
		metrics.OfflineQueueDepth.Set(float64(size))
	}
	return nil
}

// Size returns the number of queued entries.
func (q *Queue) Size() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, agenterrors.New(agenterrors.DurableIOError, fmt.Errorf("failed to read queue size: %w", err))
	}
	return n, nil
}

// IsEmpty reports whether the queue has no entries.
func (q *Queue) IsEmpty() (bool, error) {
	n, err := q.Size()
	return n == 0, err
}

// SendFunc delivers one queued report to the cloud. A nil error means it
// was accepted and can be removed from the queue.
type SendFunc func(types.QueuedReport) error

// FlushOptions configures a Flush call.
type FlushOptions struct {
	MaxRetries      int
	ContinueOnError bool
}

// Flush walks the queue head-first, calling send for each entry and
// removing it on success. By default the first failure stops the flush
// (the cloud is presumably still unreachable and later entries would fail
// too); ContinueOnError keeps going instead, useful for tests and for
// skipping a single poison entry.
func (q *Queue) Flush(send SendFunc, opts FlushOptions) (int, error) {
	sent := 0

	for {
		key, entry, ok, err := q.peek()
		if err != nil {
			return sent, err
		}
		if !ok {
			return sent, nil
		}

		sendErr := sendWithRetries(send, entry, opts.MaxRetries)
		if sendErr != nil {
			if opts.ContinueOnError {
				if err := q.deleteKey(key); err != nil {
					return sent, err
				}
				continue
			}
			return sent, sendErr
		}

		if err := q.deleteKey(key); err != nil {
			return sent, err
		}
		sent++
	}
}

func sendWithRetries(send SendFunc, entry types.QueuedReport, maxRetries int) error {
	var lastErr error
	attempts := maxRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := send(entry); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (q *Queue) peek() ([]byte, types.QueuedReport, bool, error) {
	var key []byte
	var entry types.QueuedReport
	found := false

	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketQueue).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		found = true
		key = append([]byte(nil), k...)
		return json.Unmarshal(v, &entry)
	})
	if err != nil {
		return nil, types.QueuedReport{}, false, agenterrors.New(agenterrors.DurableIOError, fmt.Errorf("failed to read queue head: %w", err))
	}
	return key, entry, found, nil
}

func (q *Queue) deleteKey(key []byte) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete(key)
	})
	if err != nil {
		return agenterrors.New(agenterrors.DurableIOError, fmt.Errorf("failed to remove sent report from queue: %w", err))
	}
	if size, sizeErr := q.Size(); sizeErr == nil {
		metrics.OfflineQueueDepth.Set(float64(size))
	}
	return nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
