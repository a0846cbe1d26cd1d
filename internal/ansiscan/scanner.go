// Package ansiscan tokenizes the CSI/SGR subset of ANSI escape sequences and
// tracks whether the terminal is currently painting green on green.
package ansiscan

// State is the position of the scanner inside the escape grammar.
type State uint8

const (
	Plaintext State = iota
	EscapeEnter
	CsiEnter
	CsiArg
	CsiExit
	CsiOther
)

func (s State) String() string {
	switch s {
	case Plaintext:
		return "plaintext"
	case EscapeEnter:
		return "escape_enter"
	case CsiEnter:
		return "csi_enter"
	case CsiArg:
		return "csi_arg"
	case CsiExit:
		return "csi_exit"
	case CsiOther:
		return "csi_other"
	default:
		return "unknown"
	}
}

const esc = 0x1b

// Scanner is a byte-at-a-time state machine. The zero value is ready to use
// and starts in Plaintext with both carrier colours inactive.
type Scanner struct {
	state  State
	params Params
	color  ColorState
	// skip counts bytes swallowed after a VT100 charset selector.
	skip int
}

// State reports the current grammar state.
func (s *Scanner) State() State {
	return s.state
}

// Color reports the current carrier colour flags.
func (s *Scanner) Color() ColorState {
	return s.color
}

// Step advances the machine by looking at b. consumed is false when the byte
// must be fed again because the transition only changed state. hidden is true
// when b is plaintext painted in the carrier colours.
func (s *Scanner) Step(b byte) (consumed, hidden bool) {
	if s.skip > 0 {
		s.skip--
		return true, false
	}
	switch s.state {
	case Plaintext:
		if b == esc {
			s.state = EscapeEnter
			return true, false
		}
		return true, s.color.Carrier()
	case EscapeEnter:
		if b == '[' || b == '?' {
			s.state = CsiEnter
			return true, false
		}
		s.state = CsiOther
		return false, false
	case CsiEnter:
		switch {
		case isDigit(b), b == ';', b == 'm':
			s.params.reset()
			s.state = CsiArg
		case b == 'H':
			s.params.reset()
			s.state = CsiExit
		default:
			s.state = Plaintext
		}
		return false, false
	case CsiArg:
		switch {
		case b == '[':
			s.params.reset()
			s.state = CsiEnter
			return true, false
		case b == 'm':
			s.params.finish()
			s.state = CsiExit
			return false, false
		case b == 'l', b == 'y':
			s.params.reset()
			s.state = CsiExit
			return false, false
		case b == ';':
			s.params.next()
			return true, false
		case isDigit(b):
			s.params.push(b - '0')
			return true, false
		default:
			s.state = Plaintext
			return true, false
		}
	case CsiExit:
		for _, code := range s.params.Values() {
			s.color.Apply(code)
		}
		s.params.reset()
		s.state = Plaintext
		return true, false
	case CsiOther:
		switch b {
		case esc:
			s.state = EscapeEnter
		case '(', ')':
			s.skip = 1
			s.state = Plaintext
		default:
			s.state = Plaintext
		}
		return true, false
	}
	s.state = Plaintext
	return true, false
}

// Feed runs every byte of p through the machine and appends the hidden bytes
// to dst.
func (s *Scanner) Feed(dst, p []byte) []byte {
	for i := 0; i < len(p); {
		consumed, hidden := s.Step(p[i])
		if hidden {
			dst = append(dst, p[i])
		}
		if consumed {
			i++
		}
	}
	return dst
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
