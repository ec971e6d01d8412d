package config

import "strings"

// StripJSONComments removes // and /* */ comments from JSONC content
// so the result can be fed to encoding/json. Comment markers inside
// string literals are left alone.
func StripJSONComments(data []byte) []byte {
	input := string(data)
	var out strings.Builder
	out.Grow(len(input))

	const (
		stateCode = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateCode
	escaped := false
	i := 0
	for i < len(input) {
		c := input[i]
		switch state {
		case stateCode:
			if c == '"' {
				state = stateString
				out.WriteByte(c)
			} else if c == '/' && i+1 < len(input) && input[i+1] == '/' {
				state = stateLineComment
				i++
			} else if c == '/' && i+1 < len(input) && input[i+1] == '*' {
				state = stateBlockComment
				i++
			} else {
				out.WriteByte(c)
			}
		case stateString:
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				state = stateCode
			}
		case stateLineComment:
			if c == '\n' {
				state = stateCode
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && i+1 < len(input) && input[i+1] == '/' {
				state = stateCode
				i++
			}
		}
		i++
	}

	return []byte(out.String())
}
