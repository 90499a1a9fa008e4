// SPDX-License-Identifier: GPL-2.0-or-later

package clip

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const indexBucket = "clips"

// Index of saved clips, ordered by save time.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens the index database, it's closed when the context is canceled.
func OpenIndex(ctx context.Context, path string, wg *sync.WaitGroup) (*Index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w: %v", err, path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(indexBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	wg.Add(1)
	go func() {
		<-ctx.Done()
		db.Close()
		wg.Done()
	}()

	return &Index{db: db}, nil
}

// Add clip to the index.
func (i *Index) Add(clip Clip) error {
	value, err := json.Marshal(clip)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(indexBucket)).Put(indexKey(clip), value)
	})
}

// List returns up to limit clips, newest first. 0 means no limit.
func (i *Index) List(limit int) ([]Clip, error) {
	clips := []Clip{}
	err := i.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(indexBucket)).Cursor()
		for key, value := c.Last(); key != nil; key, value = c.Prev() {
			if limit != 0 && len(clips) >= limit {
				return nil
			}
			var clip Clip
			if err := json.Unmarshal(value, &clip); err != nil {
				return fmt.Errorf("unmarshal clip: %w", err)
			}
			clips = append(clips, clip)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clips, nil
}

// indexKey is the save time followed by the id.
func indexKey(clip Clip) []byte {
	key := make([]byte, 8, 8+len(clip.ID))
	binary.BigEndian.PutUint64(key, uint64(clip.SavedAt.UnixNano()))
	return append(key, clip.ID...)
}
