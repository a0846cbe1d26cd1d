package ansiscan

// SGR codes carrying the hidden channel.
const (
	CarrierForeground = 32
	CarrierBackground = 42
)

// ColorState tracks whether the carrier foreground and background are both
// active. Only the carrier codes switch a flag on; every other colour code
// the table knows about switches flags off.
type ColorState struct {
	Fg bool
	Bg bool
}

// Carrier reports whether plaintext is currently part of the hidden channel.
func (c ColorState) Carrier() bool {
	return c.Fg && c.Bg
}

// Apply updates the flags for one SGR parameter. Rules are evaluated in
// order so a later rule overrides an earlier one for the same code.
func (c *ColorState) Apply(code int) {
	if code >= 40 && code <= 47 {
		c.Bg = false
	}
	if code == CarrierBackground {
		c.Bg = true
	}
	if code >= 30 && code <= 37 {
		c.Fg = false
	}
	if code == CarrierForeground {
		c.Fg = true
	}
	switch code {
	case 0:
		c.Fg = false
		c.Bg = false
	case 39, 38:
		c.Fg = false
	case 49, 48:
		c.Bg = false
	}
}
