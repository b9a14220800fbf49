package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Archive persists published events in an append-only bbolt bucket keyed by
// a monotonic archive sequence, so history survives daemon restarts and can
// be replayed for the events CLI. Append failures are counted, not raised:
// the archive is best-effort and must never stall the bus.
type Archive struct {
	db      *bolt.DB
	path    string
	dropped atomic.Uint64
}

// OpenArchive opens (creating if needed) the event archive at path.
func OpenArchive(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event archive directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open event archive: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create event bucket: %w", err)
	}
	return &Archive{db: db, path: path}, nil
}

// Path reports the archive file location.
func (a *Archive) Path() string {
	return a.path
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Append stores one event. Implements Sink.
func (a *Archive) Append(evt Event) {
	if a == nil || a.db == nil {
		return
	}
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		return b.Put(archiveKey(seq), data)
	})
	if err != nil {
		a.dropped.Add(1)
	}
}

// Dropped reports how many events failed to persist.
func (a *Archive) Dropped() uint64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

// Recent returns up to limit of the most recently archived events in
// chronological order.
func (a *Archive) Recent(limit int) ([]Event, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultCapacity
	}
	var out []Event
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var evt Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return fmt.Errorf("decode archived event: %w", err)
			}
			out = append(out, evt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Len reports the number of archived events.
func (a *Archive) Len() (int, error) {
	if a == nil || a.db == nil {
		return 0, nil
	}
	var n int
	err := a.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return n, err
}

func archiveKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
