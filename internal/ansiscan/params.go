package ansiscan

// MaxParams is the number of CSI arguments retained per sequence. Extra
// arguments are parsed and dropped.
const MaxParams = 16

// MaxParamValue caps a single CSI argument; larger values saturate.
const MaxParamValue = 65535

// Params accumulates the numeric arguments of one CSI sequence.
type Params struct {
	vals [MaxParams]int
	cur  int
	n    int
}

func (p *Params) reset() {
	*p = Params{}
}

func (p *Params) push(d byte) {
	if p.cur >= MaxParams {
		return
	}
	v := p.vals[p.cur]*10 + int(d)
	if v > MaxParamValue {
		v = MaxParamValue
	}
	p.vals[p.cur] = v
}

func (p *Params) next() {
	if p.cur < MaxParams {
		p.cur++
	}
	if p.n < MaxParams {
		p.n++
	}
}

func (p *Params) finish() {
	if p.n < MaxParams {
		p.n++
	}
}

// Values returns the arguments collected so far.
func (p *Params) Values() []int {
	return p.vals[:p.n]
}
