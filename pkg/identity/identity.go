// Package identity loads and persists the device's DeviceIdentity and the
// small amount of bootstrap state (last accepted target ETag) that must
// survive process restarts, in a single bbolt bucket since a device only
// ever stores its own identity.
package identity

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/fleetd/pkg/types"
)

var bucketIdentity = []byte("identity")

const keyIdentity = "device"
const keyETag = "etag"

// Store persists DeviceIdentity and small bootstrap values across restarts.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the identity database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "identity.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdentity)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create identity bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the persisted identity, or (nil, false, nil) if none exists
// yet.
func (s *Store) Load() (*types.DeviceIdentity, bool, error) {
	var identity types.DeviceIdentity
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		data := b.Get([]byte(keyIdentity))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &identity)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to load device identity: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &identity, true, nil
}

// Save persists identity, overwriting any previous value (upsert).
func (s *Store) Save(identity *types.DeviceIdentity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("failed to marshal device identity: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put([]byte(keyIdentity), data)
	})
}

// EnsureUUID checks the given identity and, if it has no UUID yet, assigns
// one and persists it. Used on first boot before the device has ever talked to the
// cloud.
func (s *Store) EnsureUUID(identity *types.DeviceIdentity) error {
	if identity.UUID != "" {
		return nil
	}
	identity.UUID = uuid.NewString()
	return s.Save(identity)
}

// LoadETag returns the last target-state ETag the device successfully
// polled, or "" if none.
func (s *Store) LoadETag() (string, error) {
	var etag string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIdentity).Get([]byte(keyETag))
		if v != nil {
			etag = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to load cached etag: %w", err)
	}
	return etag, nil
}

// SaveETag persists the ETag so a restart can still send
// If-None-Match and get a cheap 304.
func (s *Store) SaveETag(etag string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put([]byte(keyETag), []byte(etag))
	})
}
