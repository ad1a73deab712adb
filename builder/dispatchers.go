package builder

import (
	"context"
	"fmt"
	"io"
	"path"
	"slices"
	"time"

	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/quarrybuild/quarry/builder/buildcontext"
	"github.com/quarrybuild/quarry/builder/cache"
	"github.com/quarrybuild/quarry/builder/command"
	"github.com/quarrybuild/quarry/builder/instructions"
	"github.com/quarrybuild/quarry/builder/parser"
	"github.com/quarrybuild/quarry/image"
	"github.com/quarrybuild/quarry/layer"
	"github.com/quarrybuild/quarry/pkg/contenthash"
)

// dispatchRequest carries everything one step needs.
type dispatchRequest struct {
	state   dispatchState
	inst    *parser.Instruction
	step    int
	source  *buildcontext.Context
	stdout  io.Writer
	noCache bool
}

// dispatch executes one instruction: compute the content digest, probe the
// cache, and on a miss materialize a new layer. It returns the advanced
// state. The instruction set is closed, so effects are selected by a single
// exhaustive switch rather than open-ended polymorphism.
func (b *Builder) dispatch(ctx context.Context, req dispatchRequest) (dispatchState, StepTrace, error) {
	started := time.Now()
	inst := req.inst

	// Content digest. COPY/ADD hash the affected bytes and paths, fetching
	// remote sources eagerly; everything else (including RUN, whose effect
	// cannot be known ahead of execution) is identified by the instruction
	// text itself.
	var (
		sum     digest.Digest
		payload *copyPayload
		err     error
	)
	switch inst.Kind {
	case command.Copy, command.Add:
		payload, err = b.prepareCopy(ctx, req)
		if err != nil {
			return req.state, StepTrace{}, err
		}
		sum = payload.sum
	default:
		sum = contenthash.String(inst.Expression())
	}

	key := cache.Key{Parent: req.state.top(), Instruction: inst.Expression(), Content: sum}

	if id, ok := b.probeCache(ctx, req, key); ok {
		next := req.state.advance(id)
		applyConfig(&next.config, inst)
		fmt.Fprintln(req.stdout, " ---> Using cache")
		return next, StepTrace{
			Instruction: inst.Expression(),
			CacheHit:    true,
			LayerID:     id,
			Elapsed:     time.Since(started),
		}, nil
	}

	// First miss: every later step in this build is now a forced miss,
	// since its parent id can no longer match a cached chain.
	req.state.cacheBusted = true

	var delta layer.Delta
	switch inst.Kind {
	case command.Run:
		delta, err = b.executeRun(ctx, req)
	case command.Copy, command.Add:
		delta, err = payload.delta(req.state.config.WorkingDir)
	case command.Env, command.Label, command.User, command.Workdir,
		command.Expose, command.Volume, command.Entrypoint, command.Cmd,
		command.Onbuild, command.Maintainer:
		// Metadata-only: an empty layer keeps the identity chain uniform.
	case command.From:
		err = errors.New("FROM cannot be dispatched as a step")
	default:
		err = errors.Errorf("unhandled instruction %s", inst.Kind)
	}
	if err != nil {
		return req.state, StepTrace{}, err
	}

	l := layer.Mint(key.Parent, inst.Expression(), sum, delta)
	if err := b.layers.Put(l); err != nil {
		return req.state, StepTrace{}, err
	}
	if err := b.cache.Insert(ctx, key, l.ID); err != nil {
		return req.state, StepTrace{}, err
	}
	log.G(ctx).WithFields(log.Fields{
		"step":  req.step,
		"layer": l.ID.String(),
	}).Debug("layer committed")

	next := req.state.advance(l.ID)
	applyConfig(&next.config, inst)
	fmt.Fprintf(req.stdout, " ---> %s\n", shortID(l.ID))
	return next, StepTrace{
		Instruction: inst.Expression(),
		LayerID:     l.ID,
		Elapsed:     time.Since(started),
	}, nil
}

// applyConfig folds an instruction's metadata effect into the config.
// Config effects are pure functions of the arguments and are recomputed
// even on cache hits; only filesystem and process effects are skipped.
func applyConfig(c *image.Config, inst *parser.Instruction) {
	switch inst.Kind {
	case command.Env:
		for _, kv := range instructions.Pairs(inst) {
			c.SetEnv(kv.Key, kv.Value)
		}
	case command.Label:
		if c.Labels == nil {
			c.Labels = make(map[string]string)
		}
		for _, kv := range instructions.Pairs(inst) {
			c.Labels[kv.Key] = kv.Value
		}
	case command.Expose:
		if c.ExposedPorts == nil {
			c.ExposedPorts = make(map[string]struct{})
		}
		for _, port := range inst.Args {
			c.ExposedPorts[port] = struct{}{}
		}
	case command.Volume:
		if c.Volumes == nil {
			c.Volumes = make(map[string]struct{})
		}
		for _, v := range inst.Args {
			c.Volumes[v] = struct{}{}
		}
	case command.Workdir:
		wd := inst.Args[0]
		if !path.IsAbs(wd) {
			wd = path.Join("/", c.WorkingDir, wd)
		}
		c.WorkingDir = path.Clean(wd)
	case command.User:
		c.User = inst.Args[0]
	case command.Entrypoint:
		c.Entrypoint = slices.Clone(inst.Args)
		c.EntrypointForm = inst.Form.String()
	case command.Cmd:
		c.Cmd = slices.Clone(inst.Args)
		c.CmdForm = inst.Form.String()
	case command.Onbuild:
		c.OnBuild = append(c.OnBuild, inst.Trigger.Original)
	case command.Maintainer:
		c.Maintainer = inst.Args[0]
	case command.Run, command.Copy, command.Add:
		// No metadata effect.
	}
}
