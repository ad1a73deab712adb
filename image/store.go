package image

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/distribution/reference"
	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ErrNotExist is returned when no image matches a lookup.
var ErrNotExist = errors.New("image does not exist")

const repositoriesFile = "repositories.json"

// Store indexes built images by id and by tag. With a non-empty directory it
// persists images as JSON blobs plus a repositories file mapping tags to
// ids; with an empty directory it is memory only. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	root   string
	images map[digest.Digest]*Image
	tags   map[string]digest.Digest
}

// NewStore opens a store rooted at dir, loading any persisted state. An
// empty dir yields an in-memory store.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		root:   dir,
		images: make(map[digest.Digest]*Image),
		tags:   make(map[string]digest.Digest),
	}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating image store")
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return errors.Wrap(err, "reading image store")
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == repositoriesFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.root, name))
		if err != nil {
			return errors.Wrapf(err, "reading image %s", name)
		}
		var img Image
		if err := json.Unmarshal(raw, &img); err != nil {
			return errors.Wrapf(err, "decoding image %s", name)
		}
		s.images[img.ID] = &img
	}

	raw, err := os.ReadFile(filepath.Join(s.root, repositoriesFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reading repositories file")
	}
	if err := json.Unmarshal(raw, &s.tags); err != nil {
		return errors.Wrap(err, "decoding repositories file")
	}
	return nil
}

// Add records an image, persisting it when the store is disk-backed. Adding
// an image the store already holds is a no-op.
func (s *Store) Add(img *Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[img.ID]; ok {
		return nil
	}
	s.images[img.ID] = img
	if s.root == "" {
		return nil
	}
	raw, err := json.Marshal(img)
	if err != nil {
		return errors.Wrapf(err, "encoding image %s", img.ID)
	}
	name := fmt.Sprintf("%s_%s.json", img.ID.Algorithm(), img.ID.Encoded())
	if err := atomicwriter.WriteFile(filepath.Join(s.root, name), raw, 0o644); err != nil {
		return errors.Wrapf(err, "writing image %s", img.ID)
	}
	return nil
}

// Tag points name at an image id. The name is normalized the way registries
// spell references, so "base", "base:latest" and "docker.io/library/base"
// all address the same tag.
func (s *Store) Tag(name string, id digest.Digest) error {
	normalized, err := normalizeRef(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[id]; !ok {
		return errors.Wrapf(ErrNotExist, "cannot tag %s: image %s", name, id)
	}
	s.tags[normalized] = id
	return s.saveTagsLocked()
}

func (s *Store) saveTagsLocked() error {
	if s.root == "" {
		return nil
	}
	raw, err := json.Marshal(s.tags)
	if err != nil {
		return errors.Wrap(err, "encoding repositories file")
	}
	return atomicwriter.WriteFile(filepath.Join(s.root, repositoriesFile), raw, 0o644)
}

// Get returns the image with the given id.
func (s *Store) Get(id digest.Digest) (*Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotExist, "image %s", id)
	}
	return img, nil
}

// Lookup resolves a tag or image id to an image.
func (s *Store) Lookup(nameOrID string) (*Image, error) {
	if id, err := digest.Parse(nameOrID); err == nil {
		return s.Get(id)
	}
	normalized, err := normalizeRef(nameOrID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	id, ok := s.tags[normalized]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotExist, "reference %s", nameOrID)
	}
	return s.Get(id)
}

// List returns all images, newest first.
func (s *Store) List() []*Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Image, 0, len(s.images))
	for _, img := range s.images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.After(out[j].Created)
	})
	return out
}

// Tags returns the tags pointing at id.
func (s *Store) Tags(id digest.Digest) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for tag, tagged := range s.tags {
		if tagged == id {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

func normalizeRef(name string) (string, error) {
	ref, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return "", errors.Wrapf(err, "invalid reference %q", name)
	}
	return reference.FamiliarString(reference.TagNameOnly(ref)), nil
}
