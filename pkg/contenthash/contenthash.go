// Package contenthash computes the digests that identify build inputs and
// layers. All functions are pure: the same logical input always yields the
// same digest, and file metadata (timestamps, ownership) never participates.
package contenthash

import (
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// String digests an instruction or other short string.
func String(s string) digest.Digest {
	return digest.FromString(s)
}

// Bytes digests a byte slice.
func Bytes(b []byte) digest.Digest {
	return digest.FromBytes(b)
}

// Reader digests a stream to EOF.
func Reader(r io.Reader) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), r); err != nil {
		return "", errors.Wrap(err, "hashing stream")
	}
	return digester.Digest(), nil
}

// File digests the contents of the file at path.
func File(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Reader(f)
}

// Chain derives an identity from a parent identity and an ordered list of
// component digests. An empty parent anchors the chain (the base of a layer
// stack).
func Chain(parent digest.Digest, parts ...digest.Digest) digest.Digest {
	var sb strings.Builder
	sb.WriteString(parent.String())
	for _, p := range parts {
		sb.WriteByte(' ')
		sb.WriteString(p.String())
	}
	return digest.FromString(sb.String())
}
