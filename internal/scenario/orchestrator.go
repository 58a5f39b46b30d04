// Package scenario blends multiple weighted exit scenarios into
// probability-weighted fair values per security, and optionally calibrates
// one pricing parameter so a designated security's blended value matches a
// target.
package scenario

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/opencaptable/waterfall/internal/audit"
	"github.com/opencaptable/waterfall/internal/captable"
	"github.com/opencaptable/waterfall/internal/opm"
	"github.com/opencaptable/waterfall/internal/waterfall"
	"github.com/opencaptable/waterfall/pkg/decimalmath"
)

// DefaultMaxWorkers bounds concurrent scenario evaluation.
const DefaultMaxWorkers = 4

// Definition is one weighted exit scenario.
type Definition struct {
	ID     string
	Weight decimal.Decimal
	// Overrides replaces individual pricing parameters when non-nil.
	Overrides *ParamsOverride
	// Schedule overrides the computed breakpoint schedule when non-nil.
	Schedule *waterfall.Schedule
}

// ParamsOverride replaces individual pricing parameters for one scenario.
// Zero-valued fields are unset and inherit the global value at evaluation
// time, so a partial override still tracks a calibrated global parameter.
type ParamsOverride struct {
	Spot            decimal.Decimal
	TimeToLiquidity decimal.Decimal
	Volatility      decimal.Decimal
	RiskFreeRate    decimal.Decimal
	DividendYield   decimal.Decimal
}

// apply overlays the override's set fields on the global parameters.
func (o *ParamsOverride) apply(base opm.Params) opm.Params {
	if !o.Spot.IsZero() {
		base.Spot = o.Spot
	}
	if !o.TimeToLiquidity.IsZero() {
		base.TimeToLiquidity = o.TimeToLiquidity
	}
	if !o.Volatility.IsZero() {
		base.Volatility = o.Volatility
	}
	if !o.RiskFreeRate.IsZero() {
		base.RiskFreeRate = o.RiskFreeRate
	}
	if !o.DividendYield.IsZero() {
		base.DividendYield = o.DividendYield
	}
	return base
}

// AllocationResult is the blended outcome of one orchestrated run.
type AllocationResult struct {
	// PerSecurity is the probability-weighted blended fair value.
	PerSecurity map[string]decimal.Decimal
	// PerScenario holds each scenario's standalone per-security values.
	PerScenario map[string]map[string]decimal.Decimal
	// Weights are the normalized probability weights actually applied.
	Weights map[string]decimal.Decimal
	Trail   *audit.Trail
}

// Orchestrator evaluates weighted scenarios over an immutable snapshot.
// Scenario evaluation is embarrassingly parallel and runs on a bounded
// worker pool; results merge by weighted summation, so merge order is
// immaterial and child audit trails are appended in definition order.
type Orchestrator struct {
	logger     *zap.Logger
	analyzer   *waterfall.Analyzer
	pricer     *opm.Pricer
	maxWorkers int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxWorkers overrides the scenario worker bound.
func WithMaxWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxWorkers = n
		}
	}
}

// WithAnalyzer substitutes a configured waterfall analyzer.
func WithAnalyzer(a *waterfall.Analyzer) Option {
	return func(o *Orchestrator) { o.analyzer = a }
}

// New creates an Orchestrator. A nil logger is replaced with a no-op
// logger.
func New(logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		logger:     logger,
		analyzer:   waterfall.NewAnalyzer(logger),
		pricer:     opm.NewPricer(logger),
		maxWorkers: DefaultMaxWorkers,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Evaluate prices every scenario, blends per-security values by normalized
// probability weight, and returns the blended result with its audit trail.
func (o *Orchestrator) Evaluate(ctx context.Context, snap captable.Snapshot, global opm.Params, defs []Definition) (*AllocationResult, error) {
	trail := audit.New()
	return o.evaluate(ctx, trail, snap, global, defs)
}

func (o *Orchestrator) evaluate(ctx context.Context, trail *audit.Trail, snap captable.Snapshot, global opm.Params, defs []Definition) (*AllocationResult, error) {
	weights, err := o.normalizeWeights(trail, defs)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result *opm.Result
		trail  *audit.Trail
		err    error
	}
	outcomes := make([]outcome, len(defs))

	workers := o.maxWorkers
	if workers > len(defs) {
		workers = len(defs)
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := range defs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i].err = ctx.Err()
				return
			}

			def := defs[i]
			child := trail.Child("scenario:" + def.ID)
			params := global
			if def.Overrides != nil {
				params = def.Overrides.apply(global)
			}
			sched := def.Schedule
			if sched == nil {
				var analyzeErr error
				sched, analyzeErr = o.analyzer.Analyze(child, snap)
				if analyzeErr != nil {
					outcomes[i] = outcome{trail: child, err: fmt.Errorf("scenario %s: %w", def.ID, analyzeErr)}
					return
				}
			}
			result, priceErr := o.pricer.Price(child, sched, params)
			if priceErr != nil {
				outcomes[i] = outcome{trail: child, err: fmt.Errorf("scenario %s: %w", def.ID, priceErr)}
				return
			}
			outcomes[i] = outcome{result: result, trail: child}
		}(i)
	}
	wg.Wait()

	blended := &AllocationResult{
		PerSecurity: make(map[string]decimal.Decimal),
		PerScenario: make(map[string]map[string]decimal.Decimal, len(defs)),
		Weights:     weights,
		Trail:       trail,
	}
	for i, out := range outcomes {
		if out.err != nil {
			return nil, out.err
		}
		trail.Merge(out.trail)

		def := defs[i]
		standalone := make(map[string]decimal.Decimal, len(out.result.PerSecurity))
		weight := weights[def.ID]
		for name, value := range out.result.PerSecurity {
			standalone[name] = value
			current, ok := blended.PerSecurity[name]
			if !ok {
				current = decimal.Zero
			}
			blended.PerSecurity[name] = current.Add(value.Mul(weight))
		}
		blended.PerScenario[def.ID] = standalone
	}

	trail.Record("scenario", "blend-complete", "probability-weighted blend across scenarios",
		audit.Int("scenarios", len(defs)))
	o.logger.Debug("scenario blend complete",
		zap.String("op", "scenario.Evaluate"),
		zap.Int("scenarios", len(defs)),
	)
	return blended, nil
}

// normalizeWeights validates probability weights and scales them to sum to
// one, warning when re-normalization was needed.
func (o *Orchestrator) normalizeWeights(trail *audit.Trail, defs []Definition) (map[string]decimal.Decimal, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("scenario: at least one scenario is required")
	}

	sum := decimal.Zero
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("scenario: scenario id is required")
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("scenario %s: duplicate scenario id", def.ID)
		}
		seen[def.ID] = true
		if def.Weight.IsNegative() {
			return nil, fmt.Errorf("scenario %s: probability weight %s is negative", def.ID, def.Weight)
		}
		sum = sum.Add(def.Weight)
	}
	if !sum.IsPositive() {
		return nil, fmt.Errorf("scenario: probability weights sum to zero")
	}

	one := decimal.New(1, 0)
	if !decimalmath.WithinTolerance(sum, one, decimalmath.DefaultTolerance) {
		o.logger.Warn("scenario probability weights re-normalized",
			zap.String("op", "scenario.Evaluate"),
			zap.String("sum", sum.String()),
		)
		trail.Record("scenario", "weights-normalized",
			"probability weights did not sum to 1",
			audit.Dec("sum", sum))
	}

	weights := make(map[string]decimal.Decimal, len(defs))
	for _, def := range defs {
		weights[def.ID] = def.Weight.Div(sum)
	}
	return weights, nil
}
