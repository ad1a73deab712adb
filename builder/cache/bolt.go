package cache

import (
	"context"
	"time"

	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("layers")

// Bolt is a bbolt-backed cache that persists across builds. It grows
// unbounded; pruning is left to external tooling.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the cache database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening cache db %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing cache db")
	}
	return &Bolt{db: db}, nil
}

// Close releases the database.
func (c *Bolt) Close() error {
	return c.db.Close()
}

func (c *Bolt) Lookup(ctx context.Context, k Key) (digest.Digest, bool, error) {
	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get([]byte(k.Digest())); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, errors.Wrap(err, "cache lookup")
	}
	if raw == nil {
		return "", false, nil
	}
	id, err := digest.Parse(string(raw))
	if err != nil {
		// A corrupt value is treated as a miss rather than failing the
		// build; the entry will be rewritten on insert.
		log.G(ctx).WithError(err).WithField("key", k.Digest()).Warn("discarding corrupt cache entry")
		return "", false, nil
	}
	return id, true, nil
}

func (c *Bolt) Insert(_ context.Context, k Key, layerID digest.Digest) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		key := []byte(k.Digest())
		if existing := b.Get(key); existing != nil {
			if _, err := digest.Parse(string(existing)); err == nil {
				return nil
			}
		}
		return b.Put(key, []byte(layerID.String()))
	})
	return errors.Wrap(err, "cache insert")
}
