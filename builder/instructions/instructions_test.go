package instructions

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/quarrybuild/quarry/builder/parser"
)

func parse(t *testing.T, script string) []*parser.Instruction {
	t.Helper()
	insts, err := parser.Parse(strings.NewReader(script))
	assert.NilError(t, err)
	return insts
}

func TestValidateSequence(t *testing.T) {
	assert.NilError(t, ValidateSequence(parse(t, "FROM base\nRUN true\n")))
}

func TestValidateSequenceEmpty(t *testing.T) {
	err := ValidateSequence(nil)
	assert.ErrorContains(t, err, "no instructions")
}

func TestValidateSequenceFromFirst(t *testing.T) {
	err := ValidateSequence(parse(t, "RUN true\nFROM base\n"))
	assert.ErrorContains(t, err, "first instruction must be FROM")
}

func TestValidateSequenceSingleFrom(t *testing.T) {
	err := ValidateSequence(parse(t, "FROM base\nFROM other\n"))
	assert.ErrorContains(t, err, "only appear once")
}

func TestPairs(t *testing.T) {
	insts := parse(t, `ENV a=1 b=2`)
	assert.Check(t, is.DeepEqual(Pairs(insts[0]), []KeyValue{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
	}))
}

func TestSourcesAndDest(t *testing.T) {
	insts := parse(t, `COPY a.txt b.txt /dst/`)
	sources, dest, err := SourcesAndDest(insts[0])
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(sources, []string{"a.txt", "b.txt"}))
	assert.Check(t, is.Equal(dest, "/dst/"))
}

func TestSourcesAndDestTooFew(t *testing.T) {
	insts := parse(t, `COPY onlyone`)
	_, _, err := SourcesAndDest(insts[0])
	assert.ErrorContains(t, err, "source and a destination")
}
