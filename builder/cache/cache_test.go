package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func testKey(parent, inst string) Key {
	return Key{
		Parent:      digest.FromString(parent),
		Instruction: inst,
		Content:     digest.FromString(inst),
	}
}

func TestMemoryLookupInsert(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	k := testKey("parent", "RUN make")

	_, ok, err := c.Lookup(ctx, k)
	assert.NilError(t, err)
	assert.Check(t, !ok)

	want := digest.FromString("layer")
	assert.NilError(t, c.Insert(ctx, k, want))

	got, ok, err := c.Lookup(ctx, k)
	assert.NilError(t, err)
	assert.Check(t, ok)
	assert.Check(t, is.Equal(got, want))
}

func TestMemoryInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	k := testKey("parent", "COPY a /a")

	first := digest.FromString("first")
	assert.NilError(t, c.Insert(ctx, k, first))
	// A racing insert of the same key converges to the canonical value.
	assert.NilError(t, c.Insert(ctx, k, digest.FromString("second")))

	got, ok, err := c.Lookup(ctx, k)
	assert.NilError(t, err)
	assert.Check(t, ok)
	assert.Check(t, is.Equal(got, first))
	assert.Check(t, is.Equal(c.Len(), 1))
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	k := testKey("parent", "RUN build")
	want := digest.FromString("layer")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Insert(ctx, k, want)
			_, _, _ = c.Lookup(ctx, k)
		}()
	}
	wg.Wait()

	got, ok, err := c.Lookup(ctx, k)
	assert.NilError(t, err)
	assert.Check(t, ok)
	assert.Check(t, is.Equal(got, want))
}

func TestKeyDigestDistinguishesFields(t *testing.T) {
	a := Key{Parent: digest.FromString("p"), Instruction: "RUN x", Content: digest.FromString("c")}
	b := Key{Parent: digest.FromString("p"), Instruction: "RUN y", Content: digest.FromString("c")}
	assert.Check(t, a.Digest() != b.Digest())
}

func TestBoltRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	assert.NilError(t, err)
	defer c.Close()

	k := testKey("parent", "RUN make")
	want := digest.FromString("layer")

	_, ok, err := c.Lookup(ctx, k)
	assert.NilError(t, err)
	assert.Check(t, !ok)

	assert.NilError(t, c.Insert(ctx, k, want))
	got, ok, err := c.Lookup(ctx, k)
	assert.NilError(t, err)
	assert.Check(t, ok)
	assert.Check(t, is.Equal(got, want))
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	k := testKey("parent", "COPY a /a")
	want := digest.FromString("layer")

	c, err := OpenBolt(path)
	assert.NilError(t, err)
	assert.NilError(t, c.Insert(ctx, k, want))
	assert.NilError(t, c.Close())

	reopened, err := OpenBolt(path)
	assert.NilError(t, err)
	defer reopened.Close()
	got, ok, err := reopened.Lookup(ctx, k)
	assert.NilError(t, err)
	assert.Check(t, ok)
	assert.Check(t, is.Equal(got, want))
}
