package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/opencaptable/waterfall/internal/audit"
	"github.com/opencaptable/waterfall/internal/captable"
	"github.com/opencaptable/waterfall/internal/opm"
	"github.com/opencaptable/waterfall/pkg/rootfind"
)

// Parameter identifies which pricing input the calibration solver adjusts.
type Parameter string

const (
	ParameterSpot       Parameter = "spot"
	ParameterVolatility Parameter = "volatility"
)

// CalibrationTarget describes an inverse solve: find the parameter value at
// which one security's blended fair value equals the target.
type CalibrationTarget struct {
	Security    string
	TargetValue decimal.Decimal
	Parameter   Parameter
	LowerBound  decimal.Decimal
	UpperBound  decimal.Decimal
	// Tolerance is the relative convergence tolerance; zero means
	// rootfind.DefaultTolerance (1e-6).
	Tolerance decimal.Decimal
	// MaxIterations caps solver iterations; zero means
	// rootfind.DefaultMaxIterations (100).
	MaxIterations int
}

// CalibrationResult is a converged calibration run.
type CalibrationResult struct {
	Parameter  Parameter
	Value      decimal.Decimal
	Iterations int
	Residual   decimal.Decimal
	// Allocation is the blended result evaluated at the calibrated value.
	Allocation *AllocationResult
}

// ConvergenceError reports a calibration solve that exhausted its iteration
// budget, was cancelled, or whose target is unreachable within the bounds.
// A best-effort parameter value is never returned in its place.
type ConvergenceError struct {
	Parameter  Parameter
	Security   string
	Target     decimal.Decimal
	Iterations int
	Reason     string
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("calibration of %s for security %s to target %s failed after %d iterations: %s",
		e.Parameter, e.Security, e.Target, e.Iterations, e.Reason)
}

// Calibrate solves for the target parameter by bounded bisection. Each
// iteration evaluates the full scenario blend at a trial parameter value;
// the iterations themselves are inherently sequential, though scenario
// evaluation inside each one still uses the worker pool. Scenario overrides
// apply on top of each trial value, so a scenario that overrides a
// different parameter still tracks the calibrated one; a scenario that
// overrides the calibrated parameter itself shadows it.
func (o *Orchestrator) Calibrate(ctx context.Context, snap captable.Snapshot, global opm.Params, defs []Definition, target CalibrationTarget) (*CalibrationResult, error) {
	if err := o.validateTarget(snap, target); err != nil {
		return nil, err
	}

	evaluations := 0
	blendedAt := func(value decimal.Decimal) (decimal.Decimal, error) {
		evaluations++
		result, err := o.Evaluate(ctx, snap, o.applyParameter(global, target.Parameter, value), defs)
		if err != nil {
			return decimal.Zero, err
		}
		return result.PerSecurity[target.Security].Sub(target.TargetValue), nil
	}

	solved, err := rootfind.Bisect(ctx, blendedAt, target.LowerBound, target.UpperBound, rootfind.Options{
		Tolerance:     target.Tolerance,
		Scale:         target.TargetValue,
		MaxIterations: target.MaxIterations,
	})
	if err != nil {
		reason := err.Error()
		switch {
		case errors.Is(err, rootfind.ErrNoBracket):
			reason = fmt.Sprintf("target %s is unreachable within bounds [%s, %s]",
				target.TargetValue, target.LowerBound, target.UpperBound)
		case errors.Is(err, rootfind.ErrMaxIterations):
			reason = fmt.Sprintf("iteration budget exhausted with residual %s", solved.Residual)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			reason = "cancelled before convergence"
		}
		return nil, &ConvergenceError{
			Parameter:  target.Parameter,
			Security:   target.Security,
			Target:     target.TargetValue,
			Iterations: solved.Iterations,
			Reason:     reason,
		}
	}

	// Re-evaluate at the converged value so the returned allocation and
	// audit trail describe exactly the calibrated parameter.
	allocation, err := o.Evaluate(ctx, snap, o.applyParameter(global, target.Parameter, solved.Root), defs)
	if err != nil {
		return nil, err
	}
	allocation.Trail.Record("scenario", "calibration-converged", "",
		audit.Str("parameter", string(target.Parameter)),
		audit.Dec("value", solved.Root),
		audit.Dec("residual", solved.Residual),
		audit.Int("iterations", solved.Iterations))

	o.logger.Info("calibration converged",
		zap.String("op", "scenario.Calibrate"),
		zap.String("parameter", string(target.Parameter)),
		zap.String("value", solved.Root.String()),
		zap.Int("iterations", solved.Iterations),
		zap.Int("evaluations", evaluations),
	)
	return &CalibrationResult{
		Parameter:  target.Parameter,
		Value:      solved.Root,
		Iterations: solved.Iterations,
		Residual:   solved.Residual,
		Allocation: allocation,
	}, nil
}

func (o *Orchestrator) validateTarget(snap captable.Snapshot, target CalibrationTarget) error {
	if target.Parameter != ParameterSpot && target.Parameter != ParameterVolatility {
		return fmt.Errorf("calibration: unknown parameter %q", target.Parameter)
	}
	if !target.TargetValue.IsPositive() {
		return fmt.Errorf("calibration: target value %s must be positive", target.TargetValue)
	}
	if !target.LowerBound.IsPositive() || target.UpperBound.LessThanOrEqual(target.LowerBound) {
		return fmt.Errorf("calibration: invalid bounds [%s, %s]", target.LowerBound, target.UpperBound)
	}
	for _, name := range snap.SecurityNames() {
		if name == target.Security {
			return nil
		}
	}
	return fmt.Errorf("calibration: security %q is not on the cap table", target.Security)
}

func (o *Orchestrator) applyParameter(global opm.Params, param Parameter, value decimal.Decimal) opm.Params {
	if param == ParameterVolatility {
		return global.WithVolatility(value)
	}
	return global.WithSpot(value)
}
