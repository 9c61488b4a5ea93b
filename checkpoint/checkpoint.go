// Package checkpoint persists the cursors of named subscriptions in an embedded key value store,
// so a restarted consumer resumes after the last message it handled.
package checkpoint

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/store"
	jsoniter "github.com/json-iterator/go"
	"github.com/nutsdb/nutsdb"
)

var (
	json = jsoniter.ConfigFastest
	log  = sbragi.WithLocalScope(sbragi.LevelInfo)
)

const bucket = "checkpoints"

type record struct {
	Cursor   int64     `json:"cursor"`
	SavedUTC time.Time `json:"saved_utc"`
}

type Store struct {
	db     *nutsdb.DB
	now    func() time.Time
	lock   sync.RWMutex
	closed bool
}

// Open opens or creates the checkpoint database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
		nutsdb.WithSegmentSize(8*1024*1024),
	)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *nutsdb.Tx) error {
		return tx.NewKVBucket(bucket)
	})
	if err != nil {
		// Exists after the first open.
		log.WithoutEscalation().WithError(err).Debug("creating checkpoint bucket", "dir", dir)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Load returns the saved cursor of name. ok is false when none was saved.
func (s *Store) Load(_ context.Context, name string) (cursor int64, ok bool, err error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return 0, false, store.ErrClosed
	}
	var data []byte
	err = s.db.View(func(tx *nutsdb.Tx) error {
		data, err = tx.Get(bucket, []byte(name))
		return err
	})
	if errors.Is(err, nutsdb.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var r record
	if err = json.Unmarshal(data, &r); err != nil {
		return 0, false, err
	}
	return r.Cursor, true, nil
}

func (s *Store) Save(_ context.Context, name string, cursor int64) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	b, err := json.Marshal(record{Cursor: cursor, SavedUTC: s.now().UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucket, []byte(name), b, 0)
	})
}

// Delete forgets name, the next subscription with it starts from its own starting point.
func (s *Store) Delete(_ context.Context, name string) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	err := s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Delete(bucket, []byte(name))
	})
	if errors.Is(err, nutsdb.ErrKeyNotFound) {
		return nil
	}
	return err
}

// All returns every saved cursor by subscription name.
func (s *Store) All(_ context.Context) (map[string]int64, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	var keys, values [][]byte
	err := s.db.View(func(tx *nutsdb.Tx) (err error) {
		keys, values, err = tx.GetAll(bucket)
		return
	})
	if err != nil {
		return nil, err
	}
	cursors := make(map[string]int64, len(keys))
	for i := range keys {
		var r record
		if log.WithError(json.Unmarshal(values[i], &r)).Error("decoding checkpoint", "name", string(keys[i])) {
			continue
		}
		cursors[string(keys[i])] = r.Cursor
	}
	return cursors, nil
}

func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
