package buildcontext

import (
	"archive/tar"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		assert.NilError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		assert.NilError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
}

func tarFileNames(t *testing.T, rc io.ReadCloser) []string {
	t.Helper()
	defer rc.Close()
	var names []string
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		assert.NilError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		names = append(names, strings.TrimPrefix(filepath.ToSlash(hdr.Name), "./"))
	}
	sort.Strings(names)
	return names
}

func TestTarAppliesIgnorePatterns(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.txt":     "a",
		"b.log":     "b",
		"sub/c.log": "c",
	})

	ctx, err := New(root, []string{"*.log"})
	assert.NilError(t, err)
	rc, err := ctx.Tar()
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(tarFileNames(t, rc), []string{"a.txt"}))
}

func TestTarNegationReincludes(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.txt":     "a",
		"b.log":     "b",
		"sub/c.log": "c",
	})

	ctx, err := New(root, []string{"*.log", "!sub/c.log"})
	assert.NilError(t, err)
	rc, err := ctx.Tar()
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(tarFileNames(t, rc), []string{"a.txt", "sub/c.log"}))
}

func TestFromDirReadsIgnoreFile(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"keep.txt":          "k",
		"secret.key":        "s",
		DefaultIgnoreName:   "# keys never enter the context\n*.key\n",
	})

	ctx, err := FromDir(root)
	assert.NilError(t, err)

	excluded, err := ctx.Excluded("secret.key")
	assert.NilError(t, err)
	assert.Check(t, excluded)

	excluded, err = ctx.Excluded("keep.txt")
	assert.NilError(t, err)
	assert.Check(t, !excluded)
}

func TestExcludedMatchesAtAnyDepth(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"b.log":          "b",
		"sub/c.log":      "c",
		"sub/deep/d.log": "d",
		"sub/keep.txt":   "k",
		"anchored/e.tmp": "e",
		"other/also.tmp": "a",
	})

	ctx, err := New(root, []string{"*.log", "anchored/*.tmp"})
	assert.NilError(t, err)

	for _, rel := range []string{"b.log", "sub/c.log", "sub/deep/d.log"} {
		excluded, err := ctx.Excluded(rel)
		assert.NilError(t, err)
		assert.Check(t, excluded, "%s should be excluded at any depth", rel)
	}

	excluded, err := ctx.Excluded("sub/keep.txt")
	assert.NilError(t, err)
	assert.Check(t, !excluded)

	// A pattern containing a separator stays anchored to the root.
	excluded, err = ctx.Excluded("anchored/e.tmp")
	assert.NilError(t, err)
	assert.Check(t, excluded)
	excluded, err = ctx.Excluded("other/also.tmp")
	assert.NilError(t, err)
	assert.Check(t, !excluded)
}

func TestResolveHidesExcludedFiles(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"hidden.log": "x"})

	ctx, err := New(root, []string{"*.log"})
	assert.NilError(t, err)

	_, err = ctx.Resolve("hidden.log")
	assert.Check(t, errors.Is(err, os.ErrNotExist))
}

func TestResolveRejectsEscape(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"inside.txt": "x"})

	// Paths are cleaned against the root; escapes resolve inside it and
	// fail to stat rather than reaching the parent directory.
	ctx, err := New(root, nil)
	assert.NilError(t, err)
	_, err = ctx.Resolve("../../etc/passwd")
	assert.Check(t, err != nil)
}

func TestFilesExpandsDirectories(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/main.go":      "m",
		"src/util/util.go": "u",
		"src/debug.log":    "d",
	})

	ctx, err := New(root, []string{"*/debug.log", "src/debug.log"})
	assert.NilError(t, err)

	files, err := ctx.Files("src")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(files, []string{"src/main.go", "src/util/util.go"}))
}

func TestHashIsStableAndContentSensitive(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"app.bin": "v1"})

	ctx, err := New(root, nil)
	assert.NilError(t, err)

	first, err := ctx.Hash([]string{"app.bin"})
	assert.NilError(t, err)
	second, err := ctx.Hash([]string{"app.bin"})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(first, second))

	writeFiles(t, root, map[string]string{"app.bin": "v2"})
	third, err := ctx.Hash([]string{"app.bin"})
	assert.NilError(t, err)
	assert.Check(t, first != third)
}

func TestHashMissingFile(t *testing.T) {
	ctx, err := New(t.TempDir(), nil)
	assert.NilError(t, err)

	_, err = ctx.Hash([]string{"ghost.txt"})
	assert.Check(t, err != nil)
}
