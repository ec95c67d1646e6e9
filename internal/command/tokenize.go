// Package command implements the slash-command surface: a quoted-argument
// tokenizer plus a Dispatcher that routes parsed commands to the
// Scheduler, Registry, Snapshot manager, and Ceremony.
package command

import (
	"fmt"
	"strings"
)

// Tokenize splits a command line into its command name and quoted-aware
// argument list. Quoted args ("like this" or 'like this') are parsed as a
// single token; backslash escapes the next rune outside single quotes.
func Tokenize(line string) (cmdName string, args []string, err error) {
	fields, err := splitQuotedArgs(strings.TrimSpace(line))
	if err != nil {
		return "", nil, err
	}
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("command: empty input")
	}
	cmdName = strings.TrimPrefix(fields[0], "/")
	return strings.ToLower(cmdName), fields[1:], nil
}

func splitQuotedArgs(input string) ([]string, error) {
	var args []string
	var current strings.Builder
	var quote rune
	escaped := false

	flush := func() {
		if current.Len() > 0 {
			args = append(args, current.String())
			current.Reset()
		}
	}

	for _, r := range input {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}

		if r == '\\' && quote != '\'' {
			escaped = true
			continue
		}

		if quote != 0 {
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)
			continue
		}

		switch r {
		case '\'', '"':
			quote = r
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			current.WriteRune(r)
		}
	}

	if quote != 0 {
		return nil, fmt.Errorf("command: unterminated quote")
	}
	if escaped {
		current.WriteRune('\\')
	}
	flush()
	return args, nil
}
