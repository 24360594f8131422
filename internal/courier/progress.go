package courier

import "time"

// ProgressFunc receives fractional progress as a percentage in [0,100].
type ProgressFunc func(pct float64)

const (
	// gateMinDelta is the minimum percentage advance that forces a
	// forwarded update regardless of elapsed time.
	gateMinDelta = 5.0

	// gateMinInterval is the minimum elapsed time that forces a
	// forwarded update regardless of percentage advance.
	gateMinInterval = 150 * time.Millisecond
)

// Gate throttles progress fan-out toward the shared item store: an
// update passes when the percentage advanced by at least MinDelta points
// or at least MinInterval elapsed since the last forwarded update. The
// gate holds only (last forwarded value, last forwarded time) and is
// reset at the start of every attempt.
type Gate struct {
	MinDelta    float64
	MinInterval time.Duration

	lastPct float64
	lastAt  time.Time
}

// NewGate returns a gate with the standard store-bound throttle tuning.
func NewGate() *Gate {
	return &Gate{MinDelta: gateMinDelta, MinInterval: gateMinInterval}
}

// Reset clears the gate state so the next update is judged against
// (0, zero time) and therefore always admitted.
func (g *Gate) Reset() {
	g.lastPct = 0
	g.lastAt = time.Time{}
}

// Admit reports whether the update should be forwarded, recording it as
// the new reference point when it is.
func (g *Gate) Admit(pct float64, now time.Time) bool {
	if pct-g.lastPct < g.MinDelta && now.Sub(g.lastAt) < g.MinInterval {
		return false
	}

	g.lastPct = pct
	g.lastAt = now

	return true
}

// Phases composes the progress of sequential sub-operations into one
// monotonic 0-100 scale. Each phase owns a weighted slice of the scale;
// reporting a fraction for phase i maps it into that slice. Reported
// percentages never decrease, even if a phase reports backwards.
type Phases struct {
	fn     ProgressFunc
	bounds []float64 // cumulative, bounds[i] is where phase i starts
	last   float64
}

// NewPhases builds a phase aggregator from relative weights. Weights
// are normalized, so NewPhases(fn, 30, 70) and NewPhases(fn, 0.3, 0.7)
// are equivalent.
func NewPhases(fn ProgressFunc, weights ...float64) *Phases {
	var total float64
	for _, w := range weights {
		total += w
	}

	bounds := make([]float64, len(weights)+1)
	var acc float64

	for i, w := range weights {
		acc += w / total * 100
		bounds[i+1] = acc
	}
	bounds[len(weights)] = 100

	return &Phases{fn: fn, bounds: bounds}
}

// Report maps frac (clamped to [0,1]) of the given phase onto the
// composite scale and emits it.
func (p *Phases) Report(phase int, frac float64) {
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}

	start := p.bounds[phase]
	end := p.bounds[phase+1]
	p.emit(start + frac*(end-start))
}

// Done force-reports completion.
func (p *Phases) Done() {
	p.emit(100)
}

func (p *Phases) emit(pct float64) {
	if pct < p.last {
		return
	}

	p.last = pct
	if p.fn != nil {
		p.fn(pct)
	}
}
