package image

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestComputeIDExcludesCreated(t *testing.T) {
	a := &Image{Created: time.Unix(1000, 0), Layers: nil}
	b := &Image{Created: time.Unix(2000, 0), Layers: nil}
	assert.Check(t, is.Equal(a.ComputeID(), b.ComputeID()))
}

func TestComputeIDCoversConfig(t *testing.T) {
	a := &Image{}
	b := &Image{Config: Config{User: "app"}}
	assert.Check(t, a.ComputeID() != b.ComputeID())
}

func TestSetEnvLastWins(t *testing.T) {
	var c Config
	c.SetEnv("A", "1")
	c.SetEnv("B", "2")
	c.SetEnv("A", "3")
	assert.Check(t, is.DeepEqual(c.Env, []string{"A=3", "B=2"}))
}

func TestConfigCloneIsDeep(t *testing.T) {
	orig := Config{
		Env:     []string{"A=1"},
		Labels:  map[string]string{"k": "v"},
		OnBuild: []string{"RUN make"},
	}
	clone := orig.Clone()
	clone.SetEnv("A", "2")
	clone.Labels["k"] = "changed"
	clone.OnBuild[0] = "RUN other"

	assert.Check(t, is.Equal(orig.Env[0], "A=1"))
	assert.Check(t, is.Equal(orig.Labels["k"], "v"))
	assert.Check(t, is.Equal(orig.OnBuild[0], "RUN make"))
}

func TestTopLayer(t *testing.T) {
	img := &Image{}
	assert.Check(t, is.Equal(img.TopLayer().String(), ""))
}
