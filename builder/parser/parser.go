// Package parser turns Quarryfile text into an ordered sequence of typed
// instructions.
//
// The grammar is line oriented: one instruction per logical line, where a
// trailing backslash continues the line. Comment lines start with # and are
// dropped before continuation handling. Each keyword has its own argument
// parser (see line_parsers.go) because the argument shapes differ: some
// instructions take a single string, some take key=value pairs, and some
// accept a JSON array ("exec form") as an alternative to a plain string
// ("shell form"). Which form was used is preserved on the instruction since
// it changes how a downstream runtime invokes the command.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/quarrybuild/quarry/builder/command"
)

// Form records whether an instruction's arguments were written as a JSON
// array (exec form) or as a plain string handed to a shell (shell form).
type Form int

const (
	// ShellForm is the plain string form, e.g. `RUN apt-get update`.
	ShellForm Form = iota
	// ExecForm is the JSON array form, e.g. `RUN ["apt-get", "update"]`.
	ExecForm
)

func (f Form) String() string {
	if f == ExecForm {
		return "exec"
	}
	return "shell"
}

// Instruction is a single parsed build instruction. It is immutable once
// returned by Parse.
type Instruction struct {
	// Kind is the lowercase instruction keyword, one of the constants in
	// the command package.
	Kind string
	// Args holds the parsed arguments. For ENV and LABEL this is a flat
	// list of alternating keys and values.
	Args []string
	// Form distinguishes exec form from shell form for the instructions
	// that support both (RUN, CMD, ENTRYPOINT, and the list-taking
	// COPY/ADD/VOLUME).
	Form Form
	// Trigger holds the deferred instruction of an ONBUILD line.
	Trigger *Instruction
	// Line is the 1-based source line the instruction starts on.
	Line int
	// Original is the logical line as written, with continuations joined.
	Original string
}

// Expression returns the instruction as a normalized single line, suitable
// for display and for cache keying.
func (i *Instruction) Expression() string {
	return i.Original
}

// Error is a parse failure. It reports the source line and, when one can be
// identified, the offending token.
type Error struct {
	Line    int
	Token   string
	Message string
}

func (e *Error) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("parse error on line %d near %q: %s", e.Line, e.Token, e.Message)
	}
	return fmt.Sprintf("parse error on line %d: %s", e.Line, e.Message)
}

var (
	tokenWhitespace       = regexp.MustCompile(`[\t\v\f\r ]+`)
	tokenLineContinuation = regexp.MustCompile(`\\[ \t]*$`)
	tokenComment          = regexp.MustCompile(`^#.*$`)
)

// maxLineLength bounds a single physical line. bufio's 64 KiB default is too
// small for generated RUN lines.
const maxLineLength = 1 << 20

// Parse reads a build script and returns its instructions in order. The
// returned error is a *Error for malformed input.
func Parse(r io.Reader) ([]*Instruction, error) {
	var (
		out         []*Instruction
		currentLine int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineLength)

	for scanner.Scan() {
		line := strings.TrimLeftFunc(scanner.Text(), unicode.IsSpace)
		currentLine++
		startLine := currentLine

		if stripComments(line) == "" {
			continue
		}

		// Join continuation lines into one logical line. Blank lines and
		// comments inside a continuation are skipped, matching the usual
		// Dockerfile behavior.
		for tokenLineContinuation.MatchString(line) {
			line = strings.TrimRight(tokenLineContinuation.ReplaceAllString(line, ""), " \t")
			if !scanner.Scan() {
				break
			}
			next := strings.TrimSpace(scanner.Text())
			currentLine++
			if stripComments(next) == "" {
				line += "\\" // restore so the loop keeps consuming
				continue
			}
			line = line + " " + next
		}

		inst, err := parseInstruction(line)
		if err != nil {
			if pe, ok := err.(*Error); ok {
				pe.Line = startLine
				return nil, pe
			}
			return nil, &Error{Line: startLine, Message: err.Error()}
		}
		inst.Line = startLine
		out = append(out, inst)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &Error{
				Line:    currentLine + 1,
				Message: fmt.Sprintf("line exceeds the maximum length of %d bytes", maxLineLength),
			}
		}
		return nil, err
	}
	return out, nil
}

// parseInstruction parses a single logical line.
func parseInstruction(line string) (*Instruction, error) {
	cmd, rest := splitCommand(line)
	if cmd == "" {
		return nil, &Error{Message: "empty instruction"}
	}
	if _, ok := command.Commands[cmd]; !ok {
		return nil, &Error{Token: cmd, Message: "unknown instruction"}
	}

	inst := &Instruction{Kind: cmd, Original: line}
	if err := dispatch[cmd](inst, rest); err != nil {
		return nil, err
	}
	return inst, nil
}

// splitCommand separates the keyword from its argument text. Leading and
// trailing whitespace never changes the result.
func splitCommand(line string) (string, string) {
	parts := tokenWhitespace.Split(strings.TrimSpace(line), 2)
	cmd := strings.ToLower(parts[0])
	if len(parts) == 2 {
		return cmd, strings.TrimSpace(parts[1])
	}
	return cmd, ""
}

func stripComments(line string) string {
	return tokenComment.ReplaceAllString(line, "")
}
