package termchan

import "fmt"

// Splitter cuts the agent's stdin into delimited messages. A newline or NUL
// discards any partial message, which drops whatever the terminal line
// discipline or a stray keystroke injected between frames.
type Splitter struct {
	buf []byte
	max int
}

// NewSplitter returns a splitter that rejects messages longer than max.
func NewSplitter(max int) *Splitter {
	return &Splitter{max: max}
}

// Feed splits p and calls fn for every complete message, delimiter included.
func (s *Splitter) Feed(p []byte, fn func(msg []byte) error) error {
	for _, b := range p {
		switch b {
		case Delimiter:
			s.buf = append(s.buf, b)
			msg := s.buf
			s.buf = nil
			if err := fn(msg); err != nil {
				return err
			}
		case '\n', '\r', 0:
			s.buf = s.buf[:0]
		default:
			if len(s.buf) >= s.max {
				s.buf = s.buf[:0]
				return fmt.Errorf("%w: stdin message exceeds %d bytes", ErrFrameTooLarge, s.max)
			}
			s.buf = append(s.buf, b)
		}
	}
	return nil
}
