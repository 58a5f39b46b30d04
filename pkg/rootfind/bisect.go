package rootfind

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Default contracts for Bisect. Callers may override both through Options.
const (
	DefaultMaxIterations = 100
)

// DefaultTolerance is the default relative convergence tolerance.
var DefaultTolerance = decimal.New(1, -6) // 1e-6

// ErrNoBracket indicates the supplied bounds do not bracket a root.
var ErrNoBracket = errors.New("rootfind: bounds do not bracket a root")

// ErrMaxIterations indicates the iteration budget was exhausted before the
// residual converged.
var ErrMaxIterations = errors.New("rootfind: iteration budget exhausted")

// Options configures a bisection run.
type Options struct {
	// Tolerance is the relative convergence tolerance on the residual.
	// Zero means DefaultTolerance.
	Tolerance decimal.Decimal

	// Scale is the magnitude the residual is compared against; for a
	// solve-to-target problem this is the target value. Zero means the
	// residual is compared absolutely.
	Scale decimal.Decimal

	// MaxIterations caps the number of function evaluations after the
	// initial bracket check. Zero means DefaultMaxIterations.
	MaxIterations int
}

// Result reports how a bisection run ended.
type Result struct {
	Root       decimal.Decimal
	Residual   decimal.Decimal
	Iterations int
}

// Bisect finds x in [lo, hi] with f(x) ~ 0 by bisection. f must be
// continuous and change sign across the bracket. The run is abandoned with
// the context's error if ctx is cancelled mid-search; no best-effort root
// is ever returned on failure.
func Bisect(ctx context.Context, f func(decimal.Decimal) (decimal.Decimal, error), lo, hi decimal.Decimal, opts Options) (Result, error) {
	if opts.Tolerance.IsZero() {
		opts.Tolerance = DefaultTolerance
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if hi.LessThanOrEqual(lo) {
		return Result{}, fmt.Errorf("rootfind: invalid bracket [%s, %s]", lo, hi)
	}

	threshold := opts.Tolerance
	if opts.Scale.Abs().GreaterThan(decimal.New(1, 0)) {
		threshold = opts.Tolerance.Mul(opts.Scale.Abs())
	}

	fLo, err := f(lo)
	if err != nil {
		return Result{}, fmt.Errorf("rootfind: evaluating lower bound %s: %w", lo, err)
	}
	fHi, err := f(hi)
	if err != nil {
		return Result{}, fmt.Errorf("rootfind: evaluating upper bound %s: %w", hi, err)
	}

	if fLo.Abs().LessThanOrEqual(threshold) {
		return Result{Root: lo, Residual: fLo}, nil
	}
	if fHi.Abs().LessThanOrEqual(threshold) {
		return Result{Root: hi, Residual: fHi}, nil
	}
	if fLo.Sign() == fHi.Sign() {
		return Result{}, fmt.Errorf("%w: f(%s)=%s, f(%s)=%s", ErrNoBracket, lo, fLo, hi, fHi)
	}

	two := decimal.NewFromInt(2)
	var mid, fMid decimal.Decimal
	for i := 1; i <= opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return Result{Iterations: i}, fmt.Errorf("rootfind: cancelled after %d iterations: %w", i-1, err)
		}

		mid = lo.Add(hi).Div(two)
		fMid, err = f(mid)
		if err != nil {
			return Result{Iterations: i}, fmt.Errorf("rootfind: evaluating midpoint %s: %w", mid, err)
		}
		if fMid.Abs().LessThanOrEqual(threshold) {
			return Result{Root: mid, Residual: fMid, Iterations: i}, nil
		}
		if fMid.Sign() == fLo.Sign() {
			lo, fLo = mid, fMid
		} else {
			hi = mid
		}
	}

	return Result{Root: mid, Residual: fMid, Iterations: opts.MaxIterations},
		fmt.Errorf("%w: %d iterations, residual %s", ErrMaxIterations, opts.MaxIterations, fMid)
}
