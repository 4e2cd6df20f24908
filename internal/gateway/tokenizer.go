package gateway

import (
	"fmt"
	"strings"
)

// Tokenize splits a raw command line into shell words. Single quotes are
// literal, double quotes honor backslash escapes, and a backslash outside
// quotes escapes the next rune. Anything a shell would treat as a control
// operator (chaining, pipes, redirection, substitution) is refused: the
// gateway executes exactly one command per line, so those operators can
// never reach a subprocess.
func Tokenize(raw string) ([]string, error) {
	var (
		tokens   []string
		current  strings.Builder
		inWord   bool
		inSingle bool
		inDouble bool
		escaped  bool
	)

	flush := func() {
		if inWord {
			tokens = append(tokens, current.String())
			current.Reset()
			inWord = false
		}
	}

	runes := []rune(raw)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if escaped {
			current.WriteRune(r)
			inWord = true
			escaped = false
			continue
		}

		switch {
		case inSingle:
			if r == '\'' {
				inSingle = false
			} else {
				current.WriteRune(r)
			}

		case inDouble:
			switch r {
			case '\\':
				escaped = true
			case '"':
				inDouble = false
			case '`':
				return nil, fmt.Errorf("command substitution is not allowed")
			case '$':
				if i+1 < len(runes) && runes[i+1] == '(' {
					return nil, fmt.Errorf("command substitution is not allowed")
				}
				current.WriteRune(r)
			default:
				current.WriteRune(r)
			}

		default:
			switch r {
			case '\\':
				escaped = true
			case '\'':
				inSingle = true
				inWord = true
			case '"':
				inDouble = true
				inWord = true
			case ' ', '\t':
				flush()
			case '&', '|', ';', '<', '>', '\n', '\r':
				return nil, fmt.Errorf("unsupported shell operator %q", string(r))
			case '`':
				return nil, fmt.Errorf("command substitution is not allowed")
			case '$':
				if i+1 < len(runes) && runes[i+1] == '(' {
					return nil, fmt.Errorf("command substitution is not allowed")
				}
				current.WriteRune(r)
				inWord = true
			default:
				current.WriteRune(r)
				inWord = true
			}
		}
	}

	if escaped {
		return nil, fmt.Errorf("trailing escape character")
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unbalanced quote")
	}
	flush()

	return tokens, nil
}

// rebuild joins tokens back into a single command line, quoting tokens that
// need it. Tokens that came through Tokenize unquoted and unescaped render
// byte-identical to their input.
func rebuild(tokens []string) string {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = quoteToken(tok)
	}
	return strings.Join(parts, " ")
}

func quoteToken(tok string) string {
	if tok == "" {
		return "''"
	}
	if !strings.ContainsAny(tok, " \t'\"\\") {
		return tok
	}
	// Single-quote the token, splicing embedded single quotes.
	return "'" + strings.ReplaceAll(tok, "'", `'\''`) + "'"
}
