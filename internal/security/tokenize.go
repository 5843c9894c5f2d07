// Package security is the trust boundary between remote chat input and the
// host machine. It decides whether a requested filesystem path or executable
// invocation may proceed: a path-allowlist containment checker, an
// executable-allowlist checker with dangerous-flag detection, and a
// quote-aware command-line tokenizer that feeds both.
//
// The package holds no long-lived state beyond the allowlist configuration,
// which is re-read from the environment on every query. It never logs;
// callers surface verdicts to the end user themselves.
package security

import "strings"

// tokenState is the tokenizer's position in the quoting grammar.
type tokenState int

const (
	stateNormal tokenState = iota
	stateDoubleQuote
	stateSingleQuote
)

// Tokenize splits a raw command line into argument tokens.
//
// The grammar is a single pass over the input:
//   - In the normal state an unescaped space ends the current token. A token
//     that came from a quoted region is kept even when empty ("").
//   - A quote character at the start of a token opens a quoted region of that
//     kind; the other quote kind is literal inside it.
//   - Outside quotes, backslash-space keeps the space literal.
//   - Inside double quotes, \" and \\ escape; a backslash directly before the
//     closing quote at end of input stays literal so Windows paths like
//     "C:\Folder\" survive intact.
//   - Inside single quotes only \' and \\ escape.
//   - End of input inside a quoted region flushes the partial token as if the
//     quote had been closed.
//
// There is no reject state: every input yields some token sequence. Callers
// that want to refuse malformed input must inspect the output.
func Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	state := stateNormal
	hasToken := false // set once the token has content or was opened by a quote

	for i := 0; i < len(text); i++ {
		ch := text[i]

		switch state {
		case stateNormal:
			switch {
			case ch == '\\' && i+1 < len(text) && text[i+1] == ' ':
				current.WriteByte(' ')
				hasToken = true
				i++
			case ch == ' ':
				if hasToken {
					tokens = append(tokens, current.String())
					current.Reset()
					hasToken = false
				}
			case ch == '"' && current.Len() == 0:
				state = stateDoubleQuote
				hasToken = true
			case ch == '\'' && current.Len() == 0:
				state = stateSingleQuote
				hasToken = true
			default:
				current.WriteByte(ch)
				hasToken = true
			}

		case stateDoubleQuote:
			switch {
			case ch == '\\' && i+1 < len(text):
				next := text[i+1]
				switch {
				case next == '"' && i+2 == len(text):
					// A trailing backslash right before the closing quote at
					// end of input is content, not an escape.
					current.WriteByte('\\')
					state = stateNormal
					i++
				case next == '"' || next == '\\':
					current.WriteByte(next)
					i++
				default:
					current.WriteByte(ch)
				}
			case ch == '"':
				state = stateNormal
			default:
				current.WriteByte(ch)
			}

		case stateSingleQuote:
			switch {
			case ch == '\\' && i+1 < len(text) && (text[i+1] == '\'' || text[i+1] == '\\'):
				current.WriteByte(text[i+1])
				i++
			case ch == '\'':
				state = stateNormal
			default:
				current.WriteByte(ch)
			}
		}
	}

	// Unterminated quotes behave as if implicitly closed.
	if hasToken {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// JoinTokens re-serializes tokens into a display string. Tokens containing
// spaces or quotes are wrapped in double quotes with inner quotes and
// backslashes escaped, so the result re-tokenizes to the same sequence.
func JoinTokens(tokens []string) string {
	parts := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "" || strings.ContainsAny(tok, " \"'") {
			escaped := strings.ReplaceAll(tok, `\`, `\\`)
			escaped = strings.ReplaceAll(escaped, `"`, `\"`)
			parts = append(parts, `"`+escaped+`"`)
			continue
		}
		parts = append(parts, tok)
	}
	return strings.Join(parts, " ")
}
