// Package image defines the build output: an ordered layer stack plus the
// metadata accumulated by the instructions that built it.
package image

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"
)

// Config is the runtime metadata accumulated over a build. Later
// instructions of the same kind override earlier ones: the last ENV wins per
// key, the last CMD/ENTRYPOINT/USER/WORKDIR wins outright, while labels,
// exposed ports and volumes accumulate.
type Config struct {
	Env            []string            `json:"env,omitempty"`
	Labels         map[string]string   `json:"labels,omitempty"`
	ExposedPorts   map[string]struct{} `json:"exposed_ports,omitempty"`
	Volumes        map[string]struct{} `json:"volumes,omitempty"`
	WorkingDir     string              `json:"working_dir,omitempty"`
	User           string              `json:"user,omitempty"`
	Entrypoint     []string            `json:"entrypoint,omitempty"`
	EntrypointForm string              `json:"entrypoint_form,omitempty"`
	Cmd            []string            `json:"cmd,omitempty"`
	CmdForm        string              `json:"cmd_form,omitempty"`
	Maintainer     string              `json:"maintainer,omitempty"`
	// OnBuild holds deferred instructions, recorded verbatim, to be
	// prepended to the instruction sequence of any build that uses this
	// image as its base.
	OnBuild []string `json:"onbuild,omitempty"`
}

// SetEnv sets key to value, replacing an existing assignment for the same
// key so that the last ENV wins.
func (c *Config) SetEnv(key, value string) {
	entry := key + "=" + value
	for i, kv := range c.Env {
		if k, _, ok := splitEnv(kv); ok && k == key {
			c.Env[i] = entry
			return
		}
	}
	c.Env = append(c.Env, entry)
}

func splitEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}

// Clone returns a deep copy so a derived build can mutate its config
// without aliasing the base image's.
func (c Config) Clone() Config {
	out := c
	out.Env = slices.Clone(c.Env)
	out.Labels = maps.Clone(c.Labels)
	out.ExposedPorts = maps.Clone(c.ExposedPorts)
	out.Volumes = maps.Clone(c.Volumes)
	out.Entrypoint = slices.Clone(c.Entrypoint)
	out.Cmd = slices.Clone(c.Cmd)
	out.OnBuild = slices.Clone(c.OnBuild)
	return out
}

// Image is an immutable build result. A later build never mutates an
// existing Image; it produces a new one.
type Image struct {
	ID digest.Digest `json:"id"`
	// Base is the normalized reference the image was built FROM, empty
	// for scratch.
	Base    string        `json:"base,omitempty"`
	BaseID  digest.Digest `json:"base_id,omitempty"`
	Created time.Time     `json:"created"`
	// Layers is the full ordered stack, base layers first.
	Layers []digest.Digest `json:"layers"`
	Config Config          `json:"config"`
}

// TopLayer returns the id of the top of the layer stack, or empty for an
// image with no layers.
func (img *Image) TopLayer() digest.Digest {
	if len(img.Layers) == 0 {
		return ""
	}
	return img.Layers[len(img.Layers)-1]
}

// ComputeID derives the image identity from its layers, base and config.
// The creation timestamp is deliberately excluded so that identical builds
// yield identical ids.
func (img *Image) ComputeID() digest.Digest {
	identity := struct {
		Base   string          `json:"base,omitempty"`
		BaseID digest.Digest   `json:"base_id,omitempty"`
		Layers []digest.Digest `json:"layers"`
		Config Config          `json:"config"`
	}{
		Base:   img.Base,
		BaseID: img.BaseID,
		Layers: img.Layers,
		Config: img.Config,
	}
	// encoding/json emits map keys in sorted order, so this is stable.
	raw, err := json.Marshal(identity)
	if err != nil {
		// Only unmarshalable types reach here, and Config has none.
		panic(err)
	}
	return digest.FromBytes(raw)
}
