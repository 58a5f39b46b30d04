package waterfall

import (
	"github.com/shopspring/decimal"

	"github.com/opencaptable/waterfall/pkg/decimalmath"
)

// Schedule is the complete ordered breakpoint sequence for one cap table,
// together with the cumulative payout state needed to evaluate the discrete
// waterfall at any exit value.
type Schedule struct {
	Breakpoints    []Breakpoint
	CriticalValues []CriticalValue

	// openings[i] holds every security's cumulative payout at
	// Breakpoints[i].From.
	openings []map[string]decimal.Decimal
	// securities lists every security name in declaration order.
	securities []string
}

// Securities returns every security name covered by the schedule in
// declaration order.
func (s *Schedule) Securities() []string {
	out := make([]string, len(s.securities))
	copy(out, s.securities)
	return out
}

// DistributeAt evaluates the discrete waterfall at one exit value,
// returning each security's total payout. Exit values inside interval i pay
// the interval's opening cumulative amounts plus the marginal allocation of
// the remaining proceeds.
func (s *Schedule) DistributeAt(exit decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.securities))
	for _, name := range s.securities {
		out[name] = decimal.Zero
	}
	if exit.Sign() <= 0 || len(s.Breakpoints) == 0 {
		return out
	}

	idx := 0
	for i := range s.Breakpoints {
		if s.Breakpoints[i].From.GreaterThan(exit) {
			break
		}
		idx = i
	}

	bp := s.Breakpoints[idx]
	for name, opening := range s.openings[idx] {
		out[name] = opening
	}
	marginal := exit.Sub(bp.From)
	for _, p := range bp.Participants {
		share := marginal.Mul(p.Percent).Div(decimalmath.Hundred)
		out[p.Security] = out[p.Security].Add(share)
	}
	return out
}

// verify enforces the schedule invariants: strictly increasing breakpoints
// starting at zero, an open-ended terminal interval, marginal percentages
// summing to 100% in every interval, and the preference stack fully paid
// before any residual sharing begins.
func (s *Schedule) verify(tolerance decimal.Decimal) error {
	if len(s.Breakpoints) == 0 {
		return &ConsistencyError{Reason: "empty schedule"}
	}
	if !s.Breakpoints[0].From.IsZero() {
		return &ConsistencyError{
			Reason:    "first breakpoint must start at zero",
			ExitValue: s.Breakpoints[0].From,
		}
	}
	if s.Breakpoints[len(s.Breakpoints)-1].To != nil {
		return &ConsistencyError{
			Reason:     "terminal interval must be open-ended",
			Breakpoint: len(s.Breakpoints) - 1,
			ExitValue:  s.Breakpoints[len(s.Breakpoints)-1].From,
		}
	}

	percentTolerance := tolerance.Mul(decimalmath.Hundred)
	residualBegan := false
	for i, bp := range s.Breakpoints {
		if bp.Kind == KindLiquidationPreference {
			if residualBegan {
				return &ConsistencyError{
					Reason:     "liquidation preference paid after residual sharing began, seniority breached",
					Breakpoint: i,
					ExitValue:  bp.From,
				}
			}
		} else {
			residualBegan = true
		}
		if i > 0 && !bp.From.GreaterThan(s.Breakpoints[i-1].From) {
			return &ConsistencyError{
				Reason:     "breakpoint exit values must strictly increase",
				Breakpoint: i,
				ExitValue:  bp.From,
			}
		}
		sum := decimal.Zero
		for _, p := range bp.Participants {
			sum = sum.Add(p.Percent)
		}
		if !decimalmath.WithinTolerance(sum, decimalmath.Hundred, percentTolerance) {
			return &ConsistencyError{
				Reason:     "marginal percentages sum to " + sum.String() + ", want 100",
				Breakpoint: i,
				ExitValue:  bp.From,
			}
		}
	}
	return nil
}
