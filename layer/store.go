package layer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ErrNotExist is returned by Store.Get for an unknown layer id.
var ErrNotExist = errors.New("layer does not exist")

// Store is the content-addressed blob store layers are persisted to. Put is
// idempotent: storing a layer under an id it already holds is a no-op, which
// makes racing writers of the same content-derived id converge.
type Store interface {
	Get(id digest.Digest) (*Layer, error)
	Put(l *Layer) error
}

// MemoryStore keeps layers in process memory. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	layers map[digest.Digest]*Layer
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{layers: make(map[digest.Digest]*Layer)}
}

func (s *MemoryStore) Get(id digest.Digest) (*Layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.layers[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotExist, "layer %s", id)
	}
	return l, nil
}

func (s *MemoryStore) Put(l *Layer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.layers[l.ID]; !ok {
		s.layers[l.ID] = l
	}
	return nil
}

// FSStore persists layers as JSON blobs in a directory, one file per digest.
// Writes go through a temp-then-rename writer so a crashed build never
// leaves a truncated blob behind.
type FSStore struct {
	root string
}

// NewFSStore opens (creating if needed) a layer store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating layer store")
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) blobPath(id digest.Digest) string {
	return filepath.Join(s.root, fmt.Sprintf("%s_%s.json", id.Algorithm(), id.Encoded()))
}

func (s *FSStore) Get(id digest.Digest) (*Layer, error) {
	data, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotExist, "layer %s", id)
		}
		return nil, errors.Wrapf(err, "reading layer %s", id)
	}
	var l Layer
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, errors.Wrapf(err, "decoding layer %s", id)
	}
	if l.ID != id {
		return nil, errors.Errorf("layer blob %s carries mismatched id %s", id, l.ID)
	}
	if l.DiffID != "" && l.DiffDigest() != l.DiffID {
		return nil, errors.Errorf("layer blob %s is corrupt: diff digest mismatch", id)
	}
	return &l, nil
}

func (s *FSStore) Put(l *Layer) error {
	path := s.blobPath(l.ID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return errors.Wrapf(err, "encoding layer %s", l.ID)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing layer %s", l.ID)
	}
	return nil
}
