package contenthash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestStringDeterministic(t *testing.T) {
	assert.Check(t, is.Equal(String("RUN make"), String("RUN make")))
	assert.Check(t, String("RUN make") != String("RUN make install"))
}

func TestReaderMatchesBytes(t *testing.T) {
	sum, err := Reader(strings.NewReader("payload"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(sum, Bytes([]byte("payload"))))
}

func TestFileIgnoresTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	assert.NilError(t, os.WriteFile(path, []byte("content"), 0o644))

	before, err := File(path)
	assert.NilError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	assert.NilError(t, os.Chtimes(path, past, past))

	after, err := File(path)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(before, after))
}

func TestFileContentSensitive(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	assert.NilError(t, os.WriteFile(a, []byte("one"), 0o644))
	assert.NilError(t, os.WriteFile(b, []byte("two"), 0o644))

	sumA, err := File(a)
	assert.NilError(t, err)
	sumB, err := File(b)
	assert.NilError(t, err)
	assert.Check(t, sumA != sumB)
}

func TestChain(t *testing.T) {
	root := Chain("", String("FROM base"))
	child := Chain(root, String("RUN make"), String("content"))
	assert.Check(t, root != child)

	// Pure function: recomputing yields the identical digest.
	assert.Check(t, is.Equal(child, Chain(root, String("RUN make"), String("content"))))

	// Any change to the parent propagates.
	other := Chain(Chain("", String("FROM other")), String("RUN make"), String("content"))
	assert.Check(t, child != other)
}
