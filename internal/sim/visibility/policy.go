package visibility

import (
	"time"

	"strataguard/internal/sim/tuning"
)

// Policy is the threshold set in effect. It is immutable once built; reloads publish
// a new one.
type Policy struct {
	ProtectionLevel float64
	HideBelowLevel  int
	// Hysteresis keeps a hidden connection hidden until it drops to
	// HideBelowLevel+TransitionBand or lower.
	Hysteresis     bool
	TransitionBand float64
	WorldTop       int

	CooldownWindow time.Duration

	LimitedArea   bool
	LimitedRadius int

	worlds map[string]struct{}
}

func NewPolicy(t tuning.Tuning) *Policy {
	ax := t.AntiXray
	p := &Policy{
		ProtectionLevel: ax.ProtectionLevel,
		HideBelowLevel:  ax.HideBelowLevel,
		Hysteresis:      ax.Hysteresis,
		TransitionBand:  ax.TransitionBand,
		WorldTop:        ax.WorldTop,
		CooldownWindow:  t.RefreshCooldown(),
		LimitedArea:     ax.LimitedArea.Enabled,
		LimitedRadius:   ax.LimitedArea.ChunkRadius,
		worlds:          make(map[string]struct{}, len(t.Worlds.Whitelist)),
	}
	if !p.Hysteresis {
		p.TransitionBand = 0
	}
	for _, w := range t.Worlds.Whitelist {
		p.worlds[w] = struct{}{}
	}
	return p
}

func (p *Policy) Eligible(world string) bool {
	_, ok := p.worlds[world]
	return ok
}

func (p *Policy) Worlds() []string {
	out := make([]string, 0, len(p.worlds))
	for w := range p.worlds {
		out = append(out, w)
	}
	return out
}

// Initial is the state of a connection first seen at elevation y.
func (p *Policy) Initial(y float64) bool {
	return y >= p.ProtectionLevel
}

// Next is the state after moving to elevation y while holding old.
func (p *Policy) Next(old bool, y float64) bool {
	if y >= p.ProtectionLevel {
		return true
	}
	if p.Hysteresis && old && y > float64(p.HideBelowLevel)+p.TransitionBand {
		return true
	}
	return false
}

// SameSuppression reports whether o rewrites exactly the cells p does.
func (p *Policy) SameSuppression(o *Policy) bool {
	return p.HideBelowLevel == o.HideBelowLevel &&
		p.WorldTop == o.WorldTop &&
		p.LimitedArea == o.LimitedArea &&
		(!p.LimitedArea || p.LimitedRadius == o.LimitedRadius)
}

// Suppressible reports whether a cell at elevation y may be replaced.
func (p *Policy) Suppressible(y int) bool {
	return p.HideBelowLevel < y && y <= p.WorldTop
}
