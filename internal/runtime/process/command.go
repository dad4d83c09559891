package process

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidCommand reports a command string that cannot be tokenized.
var ErrInvalidCommand = errors.New("invalid command")

// ParseCommand splits a command string into a program and its arguments.
//
// Tokens are separated by whitespace. Double quotes group a token that
// contains spaces and \" inside quotes yields a literal quote. Shell operators
// such as &&, | or > carry no meaning and are passed through as ordinary
// tokens or as part of the program name.
func ParseCommand(command string) (string, []string, error) {
	var (
		tokens  []string
		current strings.Builder
		inQuote bool
		started bool
	)

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inQuote && r == '\\' && i+1 < len(runes) && runes[i+1] == '"':
			current.WriteRune('"')
			i++
		case r == '"':
			inQuote = !inQuote
			started = true
		case !inQuote && unicode.IsSpace(r):
			if started {
				tokens = append(tokens, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if inQuote {
		return "", nil, fmt.Errorf("%w: unterminated quote in %q", ErrInvalidCommand, command)
	}
	if started {
		tokens = append(tokens, current.String())
	}
	if len(tokens) == 0 || tokens[0] == "" {
		return "", nil, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	return tokens[0], tokens[1:], nil
}
