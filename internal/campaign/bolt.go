package campaign

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns = []byte("campaigns")
	bucketLogs      = []byte("campaign_logs")
	bucketHooks     = []byte("campaign_hooks")
	bucketSettings  = []byte("settings")
)

// BoltStorage implements Store using BoltDB
type BoltStorage struct {
	db          *bolt.DB
	logCapacity int
}

// OpenDB opens (and creates if needed) the BoltDB file shared by all stores
func OpenDB(path string) (*bolt.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// NewBoltStorage creates campaign buckets in db
func NewBoltStorage(db *bolt.DB, logCapacity int) (*BoltStorage, error) {
	if logCapacity <= 0 {
		logCapacity = DefaultLogCapacity
	}

	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketLogs, bucketHooks, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BoltStorage{db: db, logCapacity: logCapacity}, nil
}

// Get retrieves a campaign by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		c = &Campaign{}
		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// List returns all campaigns ordered by ID
func (s *BoltStorage) List(ctx context.Context) ([]*Campaign, error) {
	var campaigns []*Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			campaigns = append(campaigns, &c)
			return nil
		})
	})

	return campaigns, err
}

// Save creates or replaces a campaign
func (s *BoltStorage) Save(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		return fmt.Errorf("campaign id is required")
	}

	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusActive
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putCampaign(tx, c)
	})
}

// Delete removes a campaign and its hook
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHooks).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketCampaigns).Delete([]byte(id))
	})
}

// UpdateMeta applies a run-state patch inside a single transaction
func (s *BoltStorage) UpdateMeta(ctx context.Context, id string, patch MetaPatch) (*Campaign, error) {
	var c Campaign

	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("failed to unmarshal campaign: %w", err)
		}

		patch.Apply(&c)
		c.UpdatedAt = time.Now()

		return putCampaign(tx, &c)
	})
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// Edit reads and rewrites a campaign inside a single transaction
func (s *BoltStorage) Edit(ctx context.Context, id string, fn func(current *Campaign) *Campaign) (*Campaign, error) {
	var updated *Campaign

	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var current Campaign
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to unmarshal campaign: %w", err)
		}

		updated = fn(&current)
		updated.ID = id
		updated.CreatedAt = current.CreatedAt
		updated.UpdatedAt = time.Now()

		return putCampaign(tx, updated)
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func putCampaign(tx *bolt.Tx, c *Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}
	if err := tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data); err != nil {
		return fmt.Errorf("failed to store campaign: %w", err)
	}
	return nil
}

// AppendLog stores a log record under a monotonic sequence key and
// drops the oldest records beyond capacity
func (s *BoltStorage) AppendLog(ctx context.Context, rec *LogRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal log record: %w", err)
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return fmt.Errorf("failed to store log record: %w", err)
		}

		if seq <= uint64(s.logCapacity) {
			return nil
		}
		cutoff := seq - uint64(s.logCapacity)

		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.Next() {
			stale = append(stale, append([]byte{}, k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListLogs returns log records newest first
func (s *BoltStorage) ListLogs(ctx context.Context, filter LogFilter) ([]*LogRecord, error) {
	var records []*LogRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec LogRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if filter.CampaignID != "" && rec.CampaignID != filter.CampaignID {
				continue
			}
			if filter.Status != "" && rec.Status != filter.Status {
				continue
			}

			records = append(records, &rec)
			if filter.Limit > 0 && len(records) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return records, err
}

// ClearScheduledHook removes the recorded hook for a campaign
func (s *BoltStorage) ClearScheduledHook(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHooks).Delete([]byte(id))
	})
}

// ArmSingleEvent records the hook time unless one already exists
func (s *BoltStorage) ArmSingleEvent(ctx context.Context, id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHooks)
		if b.Get([]byte(id)) != nil {
			return nil
		}
		return b.Put([]byte(id), []byte(at.UTC().Format(time.RFC3339Nano)))
	})
}

// NextScheduledTime returns the recorded hook time
func (s *BoltStorage) NextScheduledTime(ctx context.Context, id string) (time.Time, bool, error) {
	var at time.Time
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHooks).Get([]byte(id))
		if data == nil {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, string(data))
		if err != nil {
			return fmt.Errorf("invalid hook time for %s: %w", id, err)
		}
		at, found = t, true
		return nil
	})

	return at, found, err
}

// GetSetting returns a stored setting, or "" if unset
func (s *BoltStorage) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		value = string(tx.Bucket(bucketSettings).Get([]byte(key)))
		return nil
	})
	return value, err
}

// PutSetting stores a setting
func (s *BoltStorage) PutSetting(ctx context.Context, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
