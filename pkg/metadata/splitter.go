package metadata

import "strings"

// SplitStatements splits a migration script into individual SQL statements.
//
// Semicolons terminate statements except when they appear inside single or
// double quoted strings ('' escapes a quote inside a single-quoted string),
// inside -- line comments, or inside /* */ block comments. Runs of
// consecutive semicolons count as a single terminator. Statements are
// trimmed; empty statements are dropped; internal newlines are preserved.
func SplitStatements(script string) []string {
	var (
		statements []string
		current    strings.Builder
	)

	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	runes := []rune(script)

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case stateNormal:
			switch {
			case c == ';':
				flush()
				// Swallow consecutive terminators.
				for i+1 < len(runes) && runes[i+1] == ';' {
					i++
				}
				continue
			case c == '\'':
				state = stateSingleQuote
			case c == '"':
				state = stateDoubleQuote
			case c == '-' && next == '-':
				state = stateLineComment
			case c == '/' && next == '*':
				state = stateBlockComment
				current.WriteRune(c)
				current.WriteRune(next)
				i++
				continue
			}
			current.WriteRune(c)

		case stateSingleQuote:
			current.WriteRune(c)
			if c == '\'' {
				if next == '\'' {
					// '' is an escaped quote, stay in string.
					current.WriteRune(next)
					i++
				} else {
					state = stateNormal
				}
			}

		case stateDoubleQuote:
			current.WriteRune(c)
			if c == '"' {
				state = stateNormal
			}

		case stateLineComment:
			current.WriteRune(c)
			if c == '\n' {
				state = stateNormal
			}

		case stateBlockComment:
			current.WriteRune(c)
			if c == '*' && next == '/' {
				current.WriteRune(next)
				i++
				state = stateNormal
			}
		}
	}

	flush()
	return statements
}
