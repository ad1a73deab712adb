// Package cache implements the layer cache: a mapping from (parent layer
// id, instruction, content hash) to the layer a previous build produced for
// that exact step.
//
// The cache itself is a plain key/value mapping. The forward-invalidation
// rule (after one miss, every later step of the same build misses) is
// enforced by the build engine, which stops consulting the cache once a
// probe fails; entries are never removed here. Both implementations are
// safe for concurrent use by independent builds, and Insert is idempotent:
// because keys are content-derived, racing inserts of one key carry the
// same value and converge on the first write.
package cache

import (
	"context"
	"sync"

	"github.com/opencontainers/go-digest"
)

// Key identifies a reusable layer.
type Key struct {
	// Parent is the layer id the instruction ran on top of, empty at the
	// bottom of a stack.
	Parent digest.Digest
	// Instruction is the normalized instruction text.
	Instruction string
	// Content is the digest of the instruction's inputs.
	Content digest.Digest
}

// Digest folds the key into a single digest, used as the storage key by
// persistent implementations.
func (k Key) Digest() digest.Digest {
	return digest.FromString(k.Parent.String() + "\x00" + k.Instruction + "\x00" + k.Content.String())
}

// Cache is the layer cache consulted before materializing each step.
type Cache interface {
	Lookup(ctx context.Context, k Key) (digest.Digest, bool, error)
	Insert(ctx context.Context, k Key, layerID digest.Digest) error
}

// Memory is a per-process cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[Key]digest.Digest
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[Key]digest.Digest)}
}

func (c *Memory) Lookup(_ context.Context, k Key) (digest.Digest, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.entries[k]
	return id, ok, nil
}

func (c *Memory) Insert(_ context.Context, k Key, layerID digest.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[k]; !ok {
		c.entries[k] = layerID
	}
	return nil
}

// Len returns the number of cached entries.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
