package frame

// Parser reassembles frames from arbitrarily fragmented reads. Partial frames
// stay buffered until their payload is complete.
type Parser struct {
	buf []byte
}

// Feed appends data and calls fn for every complete frame, in order. A
// length outside the accepted range is returned as an error and leaves the
// parser unusable.
func (p *Parser) Feed(data []byte, fn func(Frame) error) error {
	p.buf = append(p.buf, data...)
	off := 0
	defer func() {
		n := copy(p.buf, p.buf[off:])
		p.buf = p.buf[:n]
	}()
	for len(p.buf)-off >= HeaderSize {
		hdr := p.buf[off : off+HeaderSize]
		n := int64(byteOrder.Uint64(hdr[0:8]))
		if err := checkLength(n); err != nil {
			return err
		}
		if int64(len(p.buf)-off-HeaderSize) < n {
			return nil
		}
		f := Frame{Type: Type(byteOrder.Uint64(hdr[8:16]))}
		if n > 0 {
			f.Payload = make([]byte, n)
			copy(f.Payload, p.buf[off+HeaderSize:])
		}
		off += HeaderSize + int(n)
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Buffered reports the number of bytes waiting for the rest of a frame.
func (p *Parser) Buffered() int {
	return len(p.buf)
}
