// Package builder is the build engine: it interprets a parsed instruction
// sequence against a base image, consulting the layer cache before
// materializing each step, and produces an immutable image plus a per-step
// trace.
//
// Execution is strictly sequential within one build. Each instruction's
// effect depends on the accumulated filesystem and config of all prior
// instructions, so there is no reordering and no parallelism across steps.
// Independent builds may run concurrently against shared stores and a
// shared cache.
//
// Instead of a mutable "current image" cursor, the engine threads an
// explicit dispatchState value through the loop; every step returns a new
// state. See dispatchers.go for the per-instruction effects.
package builder

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/quarrybuild/quarry/builder/buildcontext"
	"github.com/quarrybuild/quarry/builder/cache"
	"github.com/quarrybuild/quarry/builder/instructions"
	"github.com/quarrybuild/quarry/builder/parser"
	"github.com/quarrybuild/quarry/builder/sandbox"
	"github.com/quarrybuild/quarry/image"
	"github.com/quarrybuild/quarry/layer"
)

// NameScratch is the reserved FROM reference for an empty base.
const NameScratch = "scratch"

// Options control a single build invocation.
type Options struct {
	// NoCache skips all cache probes; every step materializes.
	NoCache bool
	// Stdout receives step progress lines. Nil discards them.
	Stdout io.Writer
}

// StepTrace records the outcome of one instruction, for diagnostics.
type StepTrace struct {
	Step        int
	Instruction string
	CacheHit    bool
	LayerID     digest.Digest
	Elapsed     time.Duration
}

// Result is a completed build: the image and the per-step trace.
type Result struct {
	Image *image.Image
	Trace []StepTrace
}

// Builder executes builds against shared stores, a layer cache, and a
// process executor. One Builder may serve concurrent independent builds.
type Builder struct {
	images   *image.Store
	layers   layer.Store
	cache    cache.Cache
	executor sandbox.Executor
}

// New assembles a builder from its collaborators.
func New(images *image.Store, layers layer.Store, c cache.Cache, e sandbox.Executor) *Builder {
	return &Builder{images: images, layers: layers, cache: c, executor: e}
}

// dispatchState is the immutable cursor threaded through the instruction
// loop: the layer stack built so far plus the accumulated image config.
type dispatchState struct {
	stack    []digest.Digest
	config   image.Config
	baseName string
	baseID   digest.Digest
	// cacheBusted is set on the first cache miss; every later step is then
	// a forced miss, because its parent id no longer matches any cached
	// chain.
	cacheBusted bool
}

// top returns the current top-of-stack layer id, empty above scratch.
func (d dispatchState) top() digest.Digest {
	if len(d.stack) == 0 {
		return ""
	}
	return d.stack[len(d.stack)-1]
}

// advance returns a new state with id pushed onto the stack.
func (d dispatchState) advance(id digest.Digest) dispatchState {
	next := d
	next.stack = append(append([]digest.Digest(nil), d.stack...), id)
	return next
}

// Build runs the script against the given context and returns the resulting
// image. On failure no image is produced, but layers committed before the
// failing step remain in the cache for a future retry.
func (b *Builder) Build(ctx context.Context, script io.Reader, source *buildcontext.Context, opts Options) (*Result, error) {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}

	insts, err := parser.Parse(script)
	if err != nil {
		return nil, err
	}
	if err := instructions.ValidateSequence(insts); err != nil {
		return nil, err
	}

	fromInst := insts[0]
	state, triggers, err := b.from(ctx, fromInst)
	if err != nil {
		return nil, err
	}

	// Deferred instructions inherited from the base run first, before
	// anything written in this script.
	seq := make([]*parser.Instruction, 0, len(triggers)+len(insts)-1)
	seq = append(seq, triggers...)
	seq = append(seq, insts[1:]...)
	total := len(seq) + 1

	fmt.Fprintf(stdout, "Step 1/%d : %s\n", total, fromInst.Expression())
	if state.baseID != "" {
		fmt.Fprintf(stdout, " ---> %s\n", shortID(state.baseID))
	}
	trace := []StepTrace{{Step: 1, Instruction: fromInst.Expression(), LayerID: state.top()}}

	for i, inst := range seq {
		step := i + 2
		fmt.Fprintf(stdout, "Step %d/%d : %s\n", step, total, inst.Expression())
		var st StepTrace
		state, st, err = b.dispatch(ctx, dispatchRequest{
			state:   state,
			inst:    inst,
			step:    step,
			source:  source,
			stdout:  stdout,
			noCache: opts.NoCache,
		})
		if err != nil {
			return nil, err
		}
		st.Step = step
		trace = append(trace, st)
	}

	img := &image.Image{
		Base:    state.baseName,
		BaseID:  state.baseID,
		Created: time.Now().UTC(),
		Layers:  state.stack,
		Config:  state.config,
	}
	img.ID = img.ComputeID()
	if err := b.images.Add(img); err != nil {
		return nil, err
	}
	log.G(ctx).WithFields(log.Fields{
		"image": img.ID.String(),
		"steps": total,
	}).Debug("build complete")
	fmt.Fprintf(stdout, "Successfully built %s\n", shortID(img.ID))
	return &Result{Image: img, Trace: trace}, nil
}

// from resolves the base image, checks its inheritance chain for cycles,
// and returns the initial state plus the base's deferred instructions.
func (b *Builder) from(ctx context.Context, inst *parser.Instruction) (dispatchState, []*parser.Instruction, error) {
	name := inst.Args[0]
	if name == NameScratch {
		return dispatchState{}, nil, nil
	}

	base, err := b.images.Lookup(name)
	if err != nil {
		return dispatchState{}, nil, &UnknownBaseError{Ref: name}
	}
	if err := b.checkInheritance(base); err != nil {
		return dispatchState{}, nil, err
	}

	state := dispatchState{
		stack:    append([]digest.Digest(nil), base.Layers...),
		config:   base.Config.Clone(),
		baseName: name,
		baseID:   base.ID,
	}
	triggers, err := parseTriggers(base.Config.OnBuild)
	if err != nil {
		return dispatchState{}, nil, err
	}
	if len(triggers) > 0 {
		log.G(ctx).WithField("base", name).Debugf("prepending %d deferred instruction(s)", len(triggers))
	}
	// Triggers fire once: the derived image does not inherit them.
	state.config.OnBuild = nil
	return state, triggers, nil
}

// checkInheritance walks the FROM chain of base through the image store. The
// chain is short and explicit, so a visited set over image ids is all the
// cycle detection needed. A missing ancestor simply ends the chain.
func (b *Builder) checkInheritance(base *image.Image) error {
	seen := make(map[digest.Digest]struct{})
	var chain []string
	cur := base
	for {
		if _, ok := seen[cur.ID]; ok {
			return &CyclicInheritanceError{Chain: append(chain, shortID(cur.ID))}
		}
		seen[cur.ID] = struct{}{}
		chain = append(chain, shortID(cur.ID))
		if cur.Base == "" {
			return nil
		}
		next, err := b.images.Lookup(cur.Base)
		if err != nil {
			return nil
		}
		cur = next
	}
}

func parseTriggers(onbuild []string) ([]*parser.Instruction, error) {
	var out []*parser.Instruction
	for _, t := range onbuild {
		parsed, err := parser.Parse(strings.NewReader(t))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid deferred instruction %q", t)
		}
		out = append(out, parsed...)
	}
	return out, nil
}

func shortID(id digest.Digest) string {
	encoded := id.Encoded()
	if len(encoded) > 12 {
		return encoded[:12]
	}
	return encoded
}
