// Package layer defines the immutable filesystem layer, the unit of caching
// and storage for built images.
package layer

import (
	"os"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/quarrybuild/quarry/pkg/contenthash"
)

// FileEntry is one path in a layer's delta: either file content with a mode,
// a directory, or a tombstone marking a path deleted relative to the parent.
type FileEntry struct {
	Mode      os.FileMode `json:"mode,omitempty"`
	Data      []byte      `json:"data,omitempty"`
	Tombstone bool        `json:"tombstone,omitempty"`
}

// IsDir reports whether the entry represents a directory.
func (e FileEntry) IsDir() bool {
	return e.Mode.IsDir()
}

// Delta maps absolute, slash-separated image paths to entries.
type Delta map[string]FileEntry

// Layer is an immutable filesystem delta chained to a parent layer. Its ID
// is a pure function of the parent's identity and the instruction and
// content that produced it, which is what makes cache reuse sound.
type Layer struct {
	ID        digest.Digest `json:"id"`
	Parent    digest.Digest `json:"parent,omitempty"`
	CreatedBy string        `json:"created_by,omitempty"`
	Diff      Delta         `json:"diff,omitempty"`
	// DiffID digests the delta contents. The identity excludes the delta,
	// so persistent stores verify this on load to catch corrupt blobs.
	DiffID digest.Digest `json:"diff_id,omitempty"`
}

// Mint creates a layer on top of parent. createdBy is the instruction that
// produced it and content is the digest of the instruction's inputs. The
// delta does not participate in the identity: given the same parent,
// instruction and content, the delta is fully determined.
func Mint(parent digest.Digest, createdBy string, content digest.Digest, diff Delta) *Layer {
	l := &Layer{
		ID:        contenthash.Chain(parent, contenthash.String(createdBy), content),
		Parent:    parent,
		CreatedBy: createdBy,
		Diff:      diff,
	}
	l.DiffID = l.DiffDigest()
	return l
}

// DiffDigest digests the delta contents. Paths are visited in sorted order.
func (l *Layer) DiffDigest() digest.Digest {
	paths := make([]string, 0, len(l.Diff))
	for p := range l.Diff {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var sb strings.Builder
	for _, p := range paths {
		e := l.Diff[p]
		sb.WriteString(p)
		sb.WriteByte(0)
		if e.Tombstone {
			sb.WriteString("whiteout")
		} else {
			sb.WriteString(e.Mode.String())
			sb.WriteByte(0)
			sb.Write(e.Data)
		}
		sb.WriteByte('\n')
	}
	return contenthash.String(sb.String())
}

// Flatten merges an ordered chain of layers, base first, into the full file
// view: later entries shadow earlier ones and tombstones remove paths.
func Flatten(chain []*Layer) Delta {
	merged := Delta{}
	for _, l := range chain {
		for p, e := range l.Diff {
			if e.Tombstone {
				delete(merged, p)
				// A deleted directory takes its contents with it.
				prefix := strings.TrimSuffix(p, "/") + "/"
				for q := range merged {
					if strings.HasPrefix(q, prefix) {
						delete(merged, q)
					}
				}
				continue
			}
			merged[p] = e
		}
	}
	return merged
}
