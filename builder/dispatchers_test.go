package builder

import (
	"context"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/quarrybuild/quarry/builder/cache"
	"github.com/quarrybuild/quarry/builder/parser"
	"github.com/quarrybuild/quarry/image"
	"github.com/quarrybuild/quarry/layer"
	"github.com/quarrybuild/quarry/pkg/contenthash"
)

func mustParseLine(t *testing.T, line string) *parser.Instruction {
	t.Helper()
	insts, err := parser.Parse(strings.NewReader(line))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(insts, 1))
	return insts[0]
}

func applyLines(t *testing.T, c *image.Config, lines ...string) {
	t.Helper()
	for _, line := range lines {
		applyConfig(c, mustParseLine(t, line))
	}
}

func TestApplyConfigEnvLastWins(t *testing.T) {
	var c image.Config
	applyLines(t, &c, "ENV A=1 B=2", "ENV A=3")
	assert.Check(t, is.DeepEqual(c.Env, []string{"A=3", "B=2"}))
}

func TestApplyConfigEnvLegacyForm(t *testing.T) {
	var c image.Config
	applyLines(t, &c, "ENV PATH /usr/local/bin:/usr/bin")
	assert.Check(t, is.DeepEqual(c.Env, []string{"PATH=/usr/local/bin:/usr/bin"}))
}

func TestApplyConfigLabelsAccumulate(t *testing.T) {
	var c image.Config
	applyLines(t, &c, `LABEL team=build`, `LABEL version="1.2"`)
	assert.Check(t, is.DeepEqual(c.Labels, map[string]string{
		"team":    "build",
		"version": "1.2",
	}))
}

func TestApplyConfigExposeAndVolume(t *testing.T) {
	var c image.Config
	applyLines(t, &c, "EXPOSE 80 443", "EXPOSE 8080", "VOLUME /data")
	assert.Check(t, is.DeepEqual(c.ExposedPorts, map[string]struct{}{
		"80": {}, "443": {}, "8080": {},
	}))
	assert.Check(t, is.DeepEqual(c.Volumes, map[string]struct{}{"/data": {}}))
}

func TestApplyConfigWorkdirComposition(t *testing.T) {
	var c image.Config
	applyLines(t, &c, "WORKDIR /srv")
	assert.Check(t, is.Equal(c.WorkingDir, "/srv"))

	// A relative WORKDIR resolves against the previous one.
	applyLines(t, &c, "WORKDIR app")
	assert.Check(t, is.Equal(c.WorkingDir, "/srv/app"))

	// An absolute WORKDIR replaces it.
	applyLines(t, &c, "WORKDIR /opt")
	assert.Check(t, is.Equal(c.WorkingDir, "/opt"))
}

func TestApplyConfigUserAndMaintainer(t *testing.T) {
	var c image.Config
	applyLines(t, &c, "USER app", "MAINTAINER build team <build@example.com>")
	assert.Check(t, is.Equal(c.User, "app"))
	assert.Check(t, is.Equal(c.Maintainer, "build team <build@example.com>"))
}

func TestApplyConfigEntrypointAndCmdForms(t *testing.T) {
	var c image.Config
	applyLines(t, &c, `ENTRYPOINT ["/srv/app"]`, "CMD --serve")
	assert.Check(t, is.DeepEqual(c.Entrypoint, []string{"/srv/app"}))
	assert.Check(t, is.Equal(c.EntrypointForm, "exec"))
	assert.Check(t, is.DeepEqual(c.Cmd, []string{"--serve"}))
	assert.Check(t, is.Equal(c.CmdForm, "shell"))

	// A later CMD replaces, never appends.
	applyLines(t, &c, `CMD ["--debug"]`)
	assert.Check(t, is.DeepEqual(c.Cmd, []string{"--debug"}))
	assert.Check(t, is.Equal(c.CmdForm, "exec"))
}

func TestApplyConfigOnbuildRecordsTriggerText(t *testing.T) {
	var c image.Config
	applyLines(t, &c, "ONBUILD COPY app.bin /app.bin", "ONBUILD RUN make")
	assert.Check(t, is.DeepEqual(c.OnBuild, []string{
		"COPY app.bin /app.bin",
		"RUN make",
	}))
}

func TestApplyConfigRunHasNoMetadataEffect(t *testing.T) {
	var c image.Config
	applyLines(t, &c, "RUN make", "COPY a /a")
	assert.Check(t, is.DeepEqual(c, image.Config{}))
}

func TestProbeCacheMissingLayerBlob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// A cache entry whose layer blob is gone from the store must read as a
	// miss instead of producing an image that references nothing.
	key := cache.Key{Instruction: "ENV a=1", Content: contenthash.String("ENV a=1")}
	assert.NilError(t, env.cache.Insert(ctx, key, contenthash.String("orphan-layer")))

	req := dispatchRequest{
		state: dispatchState{},
		inst:  mustParseLine(t, "ENV a=1"),
		step:  2,
	}
	_, ok := env.builder.probeCache(ctx, req, key)
	assert.Check(t, !ok)

	// Once the blob exists the same probe hits.
	l := layer.Mint("", "ENV a=1", contenthash.String("ENV a=1"), nil)
	assert.NilError(t, env.layers.Put(l))
	assert.NilError(t, env.cache.Insert(ctx, cache.Key{Instruction: "other"}, l.ID))
	key2 := cache.Key{Instruction: "other"}
	id, ok := env.builder.probeCache(ctx, req, key2)
	assert.Check(t, ok)
	assert.Check(t, is.Equal(id, l.ID))
}
