// Package rootfind provides the root-finding primitives shared by the
// waterfall analyzer and the calibration solver: closed-form solving over
// monotone piecewise-linear payout functions, and bounded decimal
// bisection.
package rootfind

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// segment is one linear piece: y = FromY + Slope*(x - FromX) for x >= FromX.
type segment struct {
	fromX decimal.Decimal
	fromY decimal.Decimal
	slope decimal.Decimal
}

// Piecewise is a continuous, monotone non-decreasing piecewise-linear
// function built left to right by appending segments. The final segment is
// open-ended. The zero value is unusable; construct with NewPiecewise.
type Piecewise struct {
	segs []segment
}

// NewPiecewise creates a piecewise-linear function anchored at (startX,
// startY) with an initial slope.
func NewPiecewise(startX, startY, slope decimal.Decimal) *Piecewise {
	return &Piecewise{segs: []segment{{fromX: startX, fromY: startY, slope: slope}}}
}

// Extend begins a new segment at x with the given slope. The segment's
// starting value is the function value at x, preserving continuity. Extend
// returns an error if x precedes the current segment start or the slope is
// negative.
func (p *Piecewise) Extend(x, slope decimal.Decimal) error {
	last := p.segs[len(p.segs)-1]
	if x.LessThan(last.fromX) {
		return fmt.Errorf("rootfind: segment start %s precedes previous start %s", x, last.fromX)
	}
	if slope.IsNegative() {
		return fmt.Errorf("rootfind: negative slope %s breaks monotonicity", slope)
	}
	p.segs = append(p.segs, segment{fromX: x, fromY: p.ValueAt(x), slope: slope})
	return nil
}

// ValueAt evaluates the function at x. Values left of the first segment
// clamp to the initial anchor.
func (p *Piecewise) ValueAt(x decimal.Decimal) decimal.Decimal {
	seg := p.segs[0]
	for _, s := range p.segs[1:] {
		if s.fromX.GreaterThan(x) {
			break
		}
		seg = s
	}
	if x.LessThan(seg.fromX) {
		return seg.fromY
	}
	return seg.fromY.Add(x.Sub(seg.fromX).Mul(seg.slope))
}

// SolveFor returns the smallest x at which the function reaches y. The
// crossing is computed in closed form within the linear segment that
// contains it. ok is false when y is unreachable, which happens only when
// the open terminal segment is flat below y.
func (p *Piecewise) SolveFor(y decimal.Decimal) (x decimal.Decimal, ok bool) {
	for i, seg := range p.segs {
		if seg.fromY.GreaterThanOrEqual(y) {
			return seg.fromX, true
		}
		candidate, solvable := solveInSegment(seg, y)
		if !solvable {
			continue
		}
		if i+1 < len(p.segs) && candidate.GreaterThan(p.segs[i+1].fromX) {
			// Crossing lies beyond this segment; resolve it against the
			// segment that actually contains it.
			continue
		}
		return candidate, true
	}
	return decimal.Zero, false
}

// solveInSegment solves fromY + slope*(x-fromX) = y within one segment.
func solveInSegment(seg segment, y decimal.Decimal) (decimal.Decimal, bool) {
	if seg.slope.IsZero() {
		return decimal.Zero, false
	}
	return seg.fromX.Add(y.Sub(seg.fromY).Div(seg.slope)), true
}

// Segments returns the number of segments accumulated so far.
func (p *Piecewise) Segments() int {
	return len(p.segs)
}
