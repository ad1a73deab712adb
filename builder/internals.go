package builder

// Support routines for the dispatchers: cache probing, COPY/ADD source
// preparation, remote fetches, and RUN materialization.

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerd/log"
	"github.com/moby/go-archive"
	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/quarrybuild/quarry/builder/cache"
	"github.com/quarrybuild/quarry/builder/command"
	"github.com/quarrybuild/quarry/builder/instructions"
	"github.com/quarrybuild/quarry/builder/parser"
	"github.com/quarrybuild/quarry/builder/sandbox"
	"github.com/quarrybuild/quarry/layer"
	"github.com/quarrybuild/quarry/pkg/contenthash"
)

// probeCache checks whether a previously built layer can stand in for the
// current step. After the first miss in a build the probe short-circuits:
// every later key carries a parent id no cached chain can contain.
func (b *Builder) probeCache(ctx context.Context, req dispatchRequest, key cache.Key) (digest.Digest, bool) {
	if b.cache == nil || req.noCache || req.state.cacheBusted {
		return "", false
	}
	id, ok, err := b.cache.Lookup(ctx, key)
	if err != nil {
		log.G(ctx).WithError(err).Warn("cache lookup failed; treating as miss")
		return "", false
	}
	if !ok {
		log.G(ctx).WithField("instruction", req.inst.Expression()).Debug("cache miss")
		return "", false
	}
	// The entry is only usable if the layer blob is still present.
	if _, err := b.layers.Get(id); err != nil {
		log.G(ctx).WithField("layer", id.String()).Debug("cached layer missing from store; treating as miss")
		return "", false
	}
	log.G(ctx).WithField("instruction", req.inst.Expression()).Debug("cache hit")
	return id, true
}

// copyEntry is one file a COPY/ADD will place: relDest is its path relative
// to the destination (or "" when the destination names the file itself).
type copyEntry struct {
	relDest string
	abs     string // local source path; empty for remote sources
	data    []byte // fetched payload for remote sources
	mode    os.FileMode
	sum     digest.Digest
}

// copyPayload is the prepared, hashed input set of a COPY/ADD instruction.
// Preparation happens before the cache probe so the content digest reflects
// what would actually be copied.
type copyPayload struct {
	entries  []copyEntry
	rawDest  string
	multiple bool // destination must be treated as a directory
	sum      digest.Digest
}

func (b *Builder) prepareCopy(ctx context.Context, req dispatchRequest) (*copyPayload, error) {
	inst := req.inst
	sources, dest, err := instructions.SourcesAndDest(inst)
	if err != nil {
		return nil, err
	}

	p := &copyPayload{rawDest: dest}
	for _, src := range sources {
		switch {
		case isRemoteSource(src):
			if inst.Kind == command.Copy {
				return nil, errors.Errorf("step %d: source can't be a URL for COPY", req.step)
			}
			name, err := remoteFilename(src)
			if err != nil {
				return nil, errors.Wrapf(err, "step %d", req.step)
			}
			data, err := b.downloadRemote(ctx, src)
			if err != nil {
				return nil, &NetworkError{URL: src, Step: req.step, Err: err}
			}
			p.entries = append(p.entries, copyEntry{
				relDest: name,
				data:    data,
				mode:    0o600,
				sum:     contenthash.Bytes(data),
			})
		default:
			entries, wasDir, err := b.localEntries(req, src)
			if err != nil {
				return nil, err
			}
			p.entries = append(p.entries, entries...)
			p.multiple = p.multiple || wasDir
		}
	}
	p.multiple = p.multiple || len(p.entries) > 1 || strings.HasSuffix(dest, "/")

	// The digest covers both the affected paths and their bytes.
	sort.Slice(p.entries, func(i, j int) bool { return p.entries[i].relDest < p.entries[j].relDest })
	var sb strings.Builder
	for _, e := range p.entries {
		sb.WriteString(e.relDest)
		sb.WriteByte(':')
		sb.WriteString(e.sum.String())
		sb.WriteByte('\n')
	}
	p.sum = contenthash.String(sb.String())
	return p, nil
}

// localEntries expands one context-relative source into copy entries.
func (b *Builder) localEntries(req dispatchRequest, src string) ([]copyEntry, bool, error) {
	files, err := req.source.Files(src)
	if err != nil {
		if os.IsNotExist(err) || stderrors.Is(err, os.ErrNotExist) {
			return nil, false, &PathNotFoundError{Path: src, Step: req.step, Instruction: req.inst.Expression()}
		}
		return nil, false, err
	}

	clean := path.Clean("/" + src)[1:]
	wasDir := len(files) != 1 || files[0] != clean

	var out []copyEntry
	for _, rel := range files {
		abs, err := req.source.Resolve(rel)
		if err != nil {
			return nil, false, err
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return nil, false, err
		}
		sum, err := contenthash.File(abs)
		if err != nil {
			return nil, false, err
		}
		relDest := path.Base(rel)
		if wasDir {
			// Directory sources copy their contents: the placement is the
			// path relative to the source directory.
			relDest = strings.TrimPrefix(rel, clean+"/")
		}
		out = append(out, copyEntry{relDest: relDest, abs: abs, mode: fi.Mode(), sum: sum})
	}
	return out, wasDir, nil
}

// delta materializes the payload into a layer delta, resolving the
// destination against the working directory.
func (p *copyPayload) delta(workingDir string) (layer.Delta, error) {
	dest := p.rawDest
	if !path.IsAbs(dest) {
		dest = path.Join("/", workingDir, dest)
	} else {
		dest = path.Clean(dest)
	}

	d := layer.Delta{}
	for _, e := range p.entries {
		target := dest
		if p.multiple {
			target = path.Join(dest, e.relDest)
		}
		data := e.data
		if e.abs != "" {
			var err error
			data, err = os.ReadFile(e.abs)
			if err != nil {
				return nil, errors.Wrapf(err, "reading %s", e.abs)
			}
		}
		d[target] = layer.FileEntry{Mode: e.mode, Data: data}
	}
	return d, nil
}

func isRemoteSource(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// remoteFilename derives the placed filename from a remote source's URL
// path. A URL that names no file, such as a bare host or a path ending in
// /, is rejected rather than producing a surprising name.
func remoteFilename(src string) (string, error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", errors.Wrapf(err, "invalid source %s", src)
	}
	if strings.HasSuffix(u.Path, "/") {
		return "", errors.Errorf("cannot determine filename from %s", src)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", errors.Errorf("cannot determine filename from %s", src)
	}
	return name, nil
}

// downloadRemote fetches a remote ADD source. The payload lands on disk
// through a temp-then-rename writer, so a cancelled or failed fetch never
// leaves a partially written file visible.
func (b *Builder) downloadRemote(ctx context.Context, url string) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "quarry-fetch-")
	if err != nil {
		return nil, errors.Wrap(err, "creating download directory")
	}
	defer os.RemoveAll(tmpDir)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %s", resp.Status)
	}

	dest := filepath.Join(tmpDir, "download")
	w, err := atomicwriter.New(dest, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "creating download writer")
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Abandon without closing: the temp file is discarded with tmpDir.
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return os.ReadFile(dest)
}

// executeRun materializes the current layer stack into a scratch directory,
// hands it to the executor, and derives the delta by diffing the tree
// against a pristine copy.
func (b *Builder) executeRun(ctx context.Context, req dispatchRequest) (layer.Delta, error) {
	argv := req.inst.Args
	if req.inst.Form == parser.ShellForm {
		argv = []string{"/bin/sh", "-c", req.inst.Args[0]}
	}

	view, err := b.flattenState(req.state)
	if err != nil {
		return nil, err
	}

	work, err := os.MkdirTemp("", "quarry-run-")
	if err != nil {
		return nil, errors.Wrap(err, "creating run directory")
	}
	defer os.RemoveAll(work)
	pristine, err := os.MkdirTemp("", "quarry-base-")
	if err != nil {
		return nil, errors.Wrap(err, "creating diff base directory")
	}
	defer os.RemoveAll(pristine)

	if err := writeTree(work, view); err != nil {
		return nil, err
	}
	if err := writeTree(pristine, view); err != nil {
		return nil, err
	}

	err = b.executor.Run(ctx, work, argv, req.state.config.Env, req.state.config.WorkingDir)
	if err != nil {
		var exit *sandbox.ExitError
		if stderrors.As(err, &exit) {
			return nil, &ExecError{
				Step:        req.step,
				Instruction: req.inst.Expression(),
				ExitCode:    exit.Code,
				Err:         err,
			}
		}
		return nil, errors.Wrapf(err, "step %d", req.step)
	}

	changes, err := archive.ChangesDirs(work, pristine)
	if err != nil {
		return nil, errors.Wrap(err, "computing filesystem delta")
	}

	delta := layer.Delta{}
	for _, ch := range changes {
		p := filepath.ToSlash(ch.Path)
		if ch.Kind == archive.ChangeDelete {
			delta[p] = layer.FileEntry{Tombstone: true}
			continue
		}
		abs := filepath.Join(work, ch.Path)
		fi, err := os.Lstat(abs)
		if err != nil {
			return nil, errors.Wrapf(err, "inspecting change %s", p)
		}
		if fi.IsDir() {
			delta[p] = layer.FileEntry{Mode: fi.Mode()}
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, errors.Wrapf(err, "reading change %s", p)
		}
		delta[p] = layer.FileEntry{Mode: fi.Mode(), Data: data}
	}
	return delta, nil
}

// flattenState resolves the state's layer stack from the store and merges
// it into the full file view.
func (b *Builder) flattenState(d dispatchState) (layer.Delta, error) {
	chain := make([]*layer.Layer, 0, len(d.stack))
	for _, id := range d.stack {
		l, err := b.layers.Get(id)
		if err != nil {
			return nil, errors.Wrap(err, "materializing layer stack")
		}
		chain = append(chain, l)
	}
	return layer.Flatten(chain), nil
}

// writeTree writes a flattened view to disk under root.
func writeTree(root string, view layer.Delta) error {
	paths := make([]string, 0, len(view))
	for p := range view {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		e := view[p]
		abs := filepath.Join(root, filepath.FromSlash(p))
		if e.IsDir() {
			if err := os.MkdirAll(abs, permOr(e.Mode, 0o755)); err != nil {
				return errors.Wrapf(err, "creating %s", p)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return errors.Wrapf(err, "creating parent of %s", p)
		}
		if err := os.WriteFile(abs, e.Data, permOr(e.Mode, 0o644)); err != nil {
			return errors.Wrapf(err, "writing %s", p)
		}
		// WriteFile perms are umask-filtered; restore the recorded mode.
		if err := os.Chmod(abs, permOr(e.Mode, 0o644)); err != nil {
			return errors.Wrapf(err, "restoring mode of %s", p)
		}
	}
	return nil
}

func permOr(mode os.FileMode, fallback os.FileMode) os.FileMode {
	if perm := mode.Perm(); perm != 0 {
		return perm
	}
	return fallback
}
