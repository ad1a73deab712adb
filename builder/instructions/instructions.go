// Package instructions provides sequence-level validation and argument
// accessors over parsed build instructions.
package instructions

import (
	"strings"

	"github.com/quarrybuild/quarry/builder/command"
	"github.com/quarrybuild/quarry/builder/parser"
)

// KeyValue is a single ENV or LABEL assignment.
type KeyValue struct {
	Key   string
	Value string
}

// Pairs decodes the alternating key/value arguments of an ENV or LABEL
// instruction.
func Pairs(inst *parser.Instruction) []KeyValue {
	pairs := make([]KeyValue, 0, len(inst.Args)/2)
	for i := 0; i+1 < len(inst.Args); i += 2 {
		pairs = append(pairs, KeyValue{Key: inst.Args[i], Value: inst.Args[i+1]})
	}
	return pairs
}

// SourcesAndDest splits COPY/ADD arguments into source paths and the final
// destination argument.
func SourcesAndDest(inst *parser.Instruction) (sources []string, dest string, err error) {
	if len(inst.Args) < 2 {
		return nil, "", &parser.Error{
			Line:    inst.Line,
			Token:   inst.Kind,
			Message: "requires at least one source and a destination",
		}
	}
	return inst.Args[:len(inst.Args)-1], inst.Args[len(inst.Args)-1], nil
}

// ValidateSequence checks the ordering rules that span instructions: the
// script must not be empty, must begin with FROM, and must contain exactly
// one FROM.
func ValidateSequence(seq []*parser.Instruction) error {
	if len(seq) == 0 {
		return &parser.Error{Line: 1, Message: "no instructions found"}
	}
	if seq[0].Kind != command.From {
		return &parser.Error{
			Line:    seq[0].Line,
			Token:   strings.ToUpper(seq[0].Kind),
			Message: "the first instruction must be FROM",
		}
	}
	for _, inst := range seq[1:] {
		if inst.Kind == command.From {
			return &parser.Error{
				Line:    inst.Line,
				Token:   command.From,
				Message: "FROM may only appear once, as the first instruction",
			}
		}
	}
	return nil
}
