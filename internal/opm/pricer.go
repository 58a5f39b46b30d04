package opm

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/opencaptable/waterfall/internal/audit"
	"github.com/opencaptable/waterfall/internal/waterfall"
	"github.com/opencaptable/waterfall/pkg/decimalmath"
)

// TrancheValue is the option value of one breakpoint interval.
type TrancheValue struct {
	Index int
	From  decimal.Decimal
	To    *decimal.Decimal
	Value decimal.Decimal
}

// Result is the per-security allocation of total equity value for one
// scenario.
type Result struct {
	PerSecurity map[string]decimal.Decimal
	Tranches    []TrancheValue
	// Total is the value allocated across all tranches; it equals the
	// zero-strike call on total equity value up to rounding.
	Total decimal.Decimal
}

// Pricer allocates option value across a breakpoint schedule.
type Pricer struct {
	logger *zap.Logger
}

// NewPricer creates a Pricer. A nil logger is replaced with a no-op logger.
func NewPricer(logger *zap.Logger) *Pricer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pricer{logger: logger}
}

// Price values every tranche as a call spread struck at its bounds and
// allocates each tranche to its participants by marginal percentage.
func (p *Pricer) Price(trail *audit.Trail, sched *waterfall.Schedule, params Params) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if trail == nil {
		trail = audit.New()
	}

	result := &Result{
		PerSecurity: make(map[string]decimal.Decimal, len(sched.Securities())),
		Tranches:    make([]TrancheValue, 0, len(sched.Breakpoints)),
	}
	for _, name := range sched.Securities() {
		result.PerSecurity[name] = decimal.Zero
	}

	for i, bp := range sched.Breakpoints {
		lower := Call(params, bp.From)
		value := lower
		if bp.To != nil {
			value = lower.Sub(Call(params, *bp.To))
		}

		for _, part := range bp.Participants {
			alloc := value.Mul(part.Percent).Div(decimalmath.Hundred)
			result.PerSecurity[part.Security] = result.PerSecurity[part.Security].Add(alloc)
		}
		result.Total = result.Total.Add(value)
		result.Tranches = append(result.Tranches, TrancheValue{
			Index: i,
			From:  bp.From,
			To:    bp.To,
			Value: value,
		})
		trail.Record("opm", "tranche",
			fmt.Sprintf("call spread over interval %d", i),
			audit.Dec("from", bp.From), audit.Dec("value", value),
			audit.Int("participants", len(bp.Participants)))
	}

	trail.Record("opm", "allocation-complete", "",
		audit.Dec("spot", params.Spot), audit.Dec("total", result.Total),
		audit.Int("tranches", len(result.Tranches)))
	p.logger.Debug("tranche allocation complete",
		zap.String("op", "opm.Price"),
		zap.Int("tranches", len(result.Tranches)),
	)
	return result, nil
}
