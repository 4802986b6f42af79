package indicator

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

var bucketFeeds = []byte("feeds")

// Cache persists the last good result of every source so a restart with all
// feeds down still starts from known intelligence.
type Cache struct {
	db *bbolt.DB
}

type cachedFeed struct {
	FetchedAt  time.Time          `json:"fetched_at"`
	Indicators []models.Indicator `json:"indicators"`
}

// OpenCache opens or creates the cache file at path.
func OpenCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open indicator cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFeeds)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Cache{db: db}, nil
}

// Save replaces the stored result of one source.
func (c *Cache) Save(source string, fetchedAt time.Time, inds []models.Indicator) error {
	data, err := json.Marshal(cachedFeed{FetchedAt: fetchedAt, Indicators: inds})
	if err != nil {
		return fmt.Errorf("marshal feed %s: %w", source, err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFeeds).Put([]byte(source), data)
	})
}

// Load returns the stored result of every source.
func (c *Cache) Load() (map[string][]models.Indicator, error) {
	out := make(map[string][]models.Indicator)
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFeeds).ForEach(func(k, v []byte) error {
			var f cachedFeed
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("decode feed %s: %w", k, err)
			}
			out[string(k)] = f.Indicators
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
