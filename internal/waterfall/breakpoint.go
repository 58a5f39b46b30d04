// Package waterfall computes the ordered schedule of exit-value breakpoints
// for a cap table: the exit values at which the marginal allocation of
// proceeds among securities changes, and the participation structure inside
// every interval.
//
// The analyzer sweeps exit value upward from zero. Liquidation preferences
// are paid tier by tier in seniority order; above the preference stack a
// piecewise-linear per-common-share payout function is grown segment by
// segment, and every future event reduces to a per-share trigger price on
// that function:
//
//   - an option or warrant exercises where the cumulative per-share payout
//     reaches its exercise price;
//   - a non-participating preferred class converts where as-converted value
//     reaches its liquidation preference, i.e. at trigger preference /
//     as-converted shares;
//   - a capped participating class leaves the pool where its cumulative
//     proceeds reach the cap, at trigger (cap - preference) / as-converted
//     shares, and re-enters fully converted at trigger cap / as-converted
//     shares.
//
// Cumulative payouts are continuous across every such event (the class is
// exactly indifferent at the crossing), which is what makes the per-share
// trigger algebra exact; only marginal rates change at a breakpoint.
package waterfall

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind tags the event that opens a breakpoint interval.
type Kind string

const (
	KindLiquidationPreference Kind = "liquidation-preference-satisfied"
	KindConversion            Kind = "conversion-crossover"
	KindParticipationCap      Kind = "participation-cap-reached"
	KindOptionExercise        Kind = "option-exercise-threshold"
	KindResidual              Kind = "residual-pro-rata"
)

// Participation is one security's marginal stake within an interval.
type Participation struct {
	Security string
	// Shares is the as-converted share count backing the stake; zero for
	// pure liquidation-preference recipients.
	Shares decimal.Decimal
	// Percent is the marginal participation percentage (0-100).
	Percent decimal.Decimal
}

// Breakpoint is one interval of the waterfall: the exit value From at which
// the marginal allocation changes, the participation structure that holds
// until To, and the derivation that produced it. To is nil for the terminal
// open-ended interval.
type Breakpoint struct {
	Kind         Kind
	From         decimal.Decimal
	To           *decimal.Decimal
	Participants []Participation
	// Triggers names every event collapsing into this breakpoint;
	// coincident events within tolerance merge into one.
	Triggers    []string
	Explanation string
	Method      string
	// DependsOn indexes the earlier breakpoints this derivation relies on.
	DependsOn []int
}

// CriticalValue is a notable exit value that is not itself an interval
// boundary, e.g. a provisional crossing estimate that had to be re-solved
// in a later segment.
type CriticalValue struct {
	ExitValue   decimal.Decimal
	Description string
	Triggers    []string
}

// ConsistencyError reports a violated waterfall invariant: non-monotonic
// ordering, marginal percentages not summing to 100%, or a seniority
// breach. It signals corrupted input or a logic defect; no partial schedule
// is ever returned alongside it.
type ConsistencyError struct {
	Reason     string
	Breakpoint int
	ExitValue  decimal.Decimal
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("waterfall consistency: breakpoint %d at exit %s: %s",
		e.Breakpoint, e.ExitValue, e.Reason)
}
