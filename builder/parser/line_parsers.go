package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/quarrybuild/quarry/builder/command"
)

// Per-keyword argument parsers. The keyword has already been split off; each
// function receives the remainder of the logical line.
var dispatch map[string]func(*Instruction, string) error

func init() {
	dispatch = map[string]func(*Instruction, string) error{
		command.Add:        parseMaybeJSONToList,
		command.Cmd:        parseMaybeJSON,
		command.Copy:       parseMaybeJSONToList,
		command.Entrypoint: parseMaybeJSON,
		command.Env:        parseNameVal,
		command.Expose:     parseWhitespaceList,
		command.From:       parseString,
		command.Label:      parseNameVal,
		command.Maintainer: parseString,
		command.Onbuild:    parseSubInstruction,
		command.Run:        parseMaybeJSON,
		command.User:       parseString,
		command.Volume:     parseMaybeJSONToList,
		command.Workdir:    parseString,
	}
}

// parseString keeps the remainder as a single argument.
func parseString(inst *Instruction, rest string) error {
	if rest == "" {
		return &Error{Token: inst.Kind, Message: "requires one argument"}
	}
	inst.Args = []string{rest}
	return nil
}

// parseNameVal handles ENV and LABEL. Both accept any number of key=value
// pairs (values may be quoted), plus the legacy two-argument form
// `ENV key value` where the value is everything after the key. Args is
// filled with alternating keys and values.
func parseNameVal(inst *Instruction, rest string) error {
	words := parseWords(rest)
	if len(words) == 0 {
		return &Error{Token: inst.Kind, Message: "requires at least one argument"}
	}

	if !strings.Contains(words[0], "=") {
		// Legacy format: everything after the first word is the value.
		if len(words) < 2 {
			return &Error{Token: inst.Kind, Message: "must have two arguments"}
		}
		inst.Args = []string{words[0], strings.Join(words[1:], " ")}
		return nil
	}

	for _, word := range words {
		k, v, ok := strings.Cut(word, "=")
		if !ok || k == "" {
			return &Error{Token: word, Message: "syntax error: must be key=value"}
		}
		inst.Args = append(inst.Args, k, v)
	}
	return nil
}

// parseMaybeJSON handles RUN, CMD and ENTRYPOINT: a JSON array is the exec
// form, anything else is a single shell-form string.
func parseMaybeJSON(inst *Instruction, rest string) error {
	if rest == "" {
		return &Error{Token: inst.Kind, Message: "requires at least one argument"}
	}
	if list, ok, err := parseJSONList(rest); err != nil {
		return err
	} else if ok {
		inst.Form = ExecForm
		inst.Args = list
		return nil
	}
	inst.Form = ShellForm
	inst.Args = []string{rest}
	return nil
}

// parseMaybeJSONToList handles COPY, ADD and VOLUME: a JSON array or a
// whitespace-delimited list.
func parseMaybeJSONToList(inst *Instruction, rest string) error {
	if list, ok, err := parseJSONList(rest); err != nil {
		return err
	} else if ok {
		inst.Form = ExecForm
		inst.Args = list
	} else {
		inst.Args = parseWords(rest)
	}
	if len(inst.Args) == 0 {
		return &Error{Token: inst.Kind, Message: "requires at least one argument"}
	}
	return nil
}

func parseWhitespaceList(inst *Instruction, rest string) error {
	inst.Args = parseWords(rest)
	if len(inst.Args) == 0 {
		return &Error{Token: inst.Kind, Message: "requires at least one argument"}
	}
	return nil
}

// parseSubInstruction handles ONBUILD, whose argument is itself a complete
// instruction, deferred until the resulting image is used as a base.
func parseSubInstruction(inst *Instruction, rest string) error {
	if rest == "" {
		return &Error{Token: command.Onbuild, Message: "requires at least one argument"}
	}
	trigger, err := parseInstruction(rest)
	if err != nil {
		return err
	}
	switch trigger.Kind {
	case command.Onbuild:
		return &Error{Token: rest, Message: "chaining ONBUILD via `ONBUILD ONBUILD` is not allowed"}
	case command.From, command.Maintainer:
		return &Error{Token: rest, Message: fmt.Sprintf("%s is not allowed as an ONBUILD trigger", strings.ToUpper(trigger.Kind))}
	}
	inst.Trigger = trigger
	return nil
}

// parseJSONList reports whether rest is a JSON array, and if so returns its
// elements. An array containing non-strings is a parse error rather than a
// fallback to shell form.
func parseJSONList(rest string) ([]string, bool, error) {
	if !strings.HasPrefix(strings.TrimSpace(rest), "[") {
		return nil, false, nil
	}
	var raw []interface{}
	if err := json.Unmarshal([]byte(rest), &raw); err != nil {
		return nil, false, &Error{Token: rest, Message: "malformed JSON argument list"}
	}
	list := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, false, &Error{Token: rest, Message: "JSON argument lists may only contain strings"}
		}
		list = append(list, s)
	}
	return list, true, nil
}

// parseWords splits rest into words, honoring single and double quotes and
// backslash escapes. Quote characters are stripped; an escaped character is
// kept literally.
func parseWords(rest string) []string {
	const (
		inSpaces = iota
		inWord
		inQuote
	)
	var (
		words   []string
		word    strings.Builder
		phase   = inSpaces
		quote   rune
		blankOK bool
	)

	flush := func() {
		if blankOK || word.Len() > 0 {
			words = append(words, word.String())
		}
		word.Reset()
		blankOK = false
	}

	for pos := 0; pos < len(rest); {
		ch, w := utf8.DecodeRuneInString(rest[pos:])
		pos += w

		switch phase {
		case inSpaces:
			if unicode.IsSpace(ch) {
				continue
			}
			phase = inWord
			fallthrough
		case inWord:
			switch {
			case unicode.IsSpace(ch):
				phase = inSpaces
				flush()
			case ch == '\'' || ch == '"':
				quote = ch
				blankOK = true
				phase = inQuote
			case ch == '\\' && pos < len(rest):
				next, nw := utf8.DecodeRuneInString(rest[pos:])
				pos += nw
				word.WriteRune(next)
			default:
				word.WriteRune(ch)
			}
		case inQuote:
			switch {
			case ch == quote:
				phase = inWord
			case ch == '\\' && quote != '\'' && pos < len(rest):
				next, nw := utf8.DecodeRuneInString(rest[pos:])
				pos += nw
				word.WriteRune(next)
			default:
				word.WriteRune(ch)
			}
		}
	}
	if phase != inSpaces {
		flush()
	}
	return words
}
