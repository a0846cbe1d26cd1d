package repl

import "strings"

// Split breaks a command line into words. Double or single quotes group
// words containing spaces; an unterminated quote runs to end of line.
func Split(line string) []string {
	var (
		args  []string
		word  strings.Builder
		quote byte
		in    bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				continue
			}
			word.WriteByte(c)
		case c == '"' || c == '\'':
			quote = c
			in = true
		case isSpace(c):
			if in {
				args = append(args, word.String())
				word.Reset()
				in = false
			}
		default:
			word.WriteByte(c)
			in = true
		}
	}
	if in {
		args = append(args, word.String())
	}
	return args
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
