// Package buildcontext resolves and packages the file tree made available
// to COPY and ADD instructions.
//
// A context is a root directory plus a set of ignore patterns. Patterns use
// glob syntax, support `!` negation with last-pattern-wins resolution, and
// `#` comment lines in the ignore file. A pattern that names no directory
// (such as `*.log`) applies at every depth, while a pattern containing a
// separator is anchored to the context root. Files excluded by the patterns
// are invisible everywhere: they are absent from the packaged archive and a
// COPY referencing one fails as if the file did not exist.
package buildcontext

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/go-archive"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/quarrybuild/quarry/pkg/contenthash"
)

// Default file names looked up inside a context directory.
const (
	DefaultScriptName = "Quarryfile"
	DefaultIgnoreName = ".quarryignore"
)

// Context is a read-only view of a build's local file tree.
type Context struct {
	root     string
	patterns []string
	expanded []string
	matcher  *patternmatcher.PatternMatcher
}

// New creates a context rooted at dir with the given ignore patterns.
func New(dir string, patterns []string) (*Context, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving context root %s", dir)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "context root %s", dir)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("context root %s is not a directory", dir)
	}
	expanded := expandPatterns(patterns)
	pm, err := patternmatcher.New(expanded)
	if err != nil {
		return nil, errors.Wrap(err, "invalid ignore patterns")
	}
	return &Context{root: root, patterns: patterns, expanded: expanded, matcher: pm}, nil
}

// expandPatterns adds a `**/` variant for every pattern that names no
// directory, so `*.log` filters matches at any depth instead of only at the
// context root. The variant follows its source pattern immediately and
// carries its negation, which preserves last-pattern-wins resolution.
func expandPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns)*2)
	for _, p := range patterns {
		out = append(out, p)
		body, negated := strings.CutPrefix(p, "!")
		if strings.ContainsRune(body, '/') {
			continue
		}
		variant := "**/" + body
		if negated {
			variant = "!" + variant
		}
		out = append(out, variant)
	}
	return out
}

// FromDir creates a context rooted at dir, reading ignore patterns from its
// ignore file when one exists.
func FromDir(dir string) (*Context, error) {
	f, err := os.Open(filepath.Join(dir, DefaultIgnoreName))
	if err != nil {
		if os.IsNotExist(err) {
			return New(dir, nil)
		}
		return nil, errors.Wrap(err, "opening ignore file")
	}
	defer f.Close()
	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "reading ignore file")
	}
	return New(dir, patterns)
}

// Root returns the absolute context root.
func (c *Context) Root() string {
	return c.root
}

// Patterns returns the ignore patterns the context was created with.
func (c *Context) Patterns() []string {
	return c.patterns
}

// Excluded reports whether the relative path is hidden by the ignore
// patterns.
func (c *Context) Excluded(rel string) (bool, error) {
	if len(c.patterns) == 0 {
		return false, nil
	}
	ok, err := c.matcher.MatchesOrParentMatches(filepath.FromSlash(rel))
	if err != nil {
		return false, errors.Wrapf(err, "matching %s", rel)
	}
	return ok, nil
}

// Resolve maps a context-relative path to an absolute path on disk,
// rejecting escapes above the root and treating excluded paths as absent.
func (c *Context) Resolve(rel string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(rel))[1:]
	if clean == "" {
		return c.root, nil
	}
	excluded, err := c.Excluded(clean)
	if err != nil {
		return "", err
	}
	if excluded {
		return "", errors.Wrapf(os.ErrNotExist, "%s", rel)
	}
	abs := filepath.Join(c.root, filepath.FromSlash(clean))
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// Files expands a context-relative path into the relative file paths it
// covers: itself for a regular file, all non-excluded files beneath it for
// a directory. Results are slash separated and sorted.
func (c *Context) Files(rel string) ([]string, error) {
	clean := path.Clean("/" + filepath.ToSlash(rel))[1:]
	abs, err := c.Resolve(clean)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return []string{clean}, nil
	}

	var out []string
	err = filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		sub, err := filepath.Rel(c.root, p)
		if err != nil {
			return err
		}
		sub = filepath.ToSlash(sub)
		excluded, err := c.Excluded(sub)
		if err != nil {
			return err
		}
		if excluded {
			return nil
		}
		out = append(out, sub)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", rel)
	}
	sort.Strings(out)
	return out, nil
}

// Hash digests the content of the files covered by the given paths. Only
// byte content and relative paths participate; order is normalized and file
// metadata is excluded, so the digest is stable as long as the logical
// input is.
func (c *Context) Hash(paths []string) (digest.Digest, error) {
	var all []string
	for _, p := range paths {
		files, err := c.Files(p)
		if err != nil {
			return "", err
		}
		all = append(all, files...)
	}
	sort.Strings(all)

	var sb strings.Builder
	for _, rel := range all {
		sum, err := contenthash.File(filepath.Join(c.root, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		sb.WriteString(rel)
		sb.WriteByte(':')
		sb.WriteString(sum.String())
		sb.WriteByte('\n')
	}
	return contenthash.String(sb.String()), nil
}

// Tar packages the non-excluded files into an uncompressed tar stream.
func (c *Context) Tar() (io.ReadCloser, error) {
	rc, err := archive.TarWithOptions(c.root, &archive.TarOptions{
		ExcludePatterns: c.expanded,
	})
	if err != nil {
		return nil, errors.Wrap(err, "packaging build context")
	}
	return rc, nil
}
