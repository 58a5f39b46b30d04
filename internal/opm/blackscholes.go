// Package opm prices waterfall tranches under the option pricing model:
// each interval of exit value is a spread of European calls on total equity
// value, and a security's fair value is its marginal participation summed
// across the tranches it participates in.
//
// The Black-Scholes kernel is the one place the engine leaves decimal
// arithmetic: shopspring/decimal carries no exp/ln/erf, so the lognormal
// math runs in float64 behind the conversion helpers below, and every
// result returns to decimal before any allocation arithmetic happens.
package opm

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ParameterError reports a missing or out-of-range option-pricing input.
type ParameterError struct {
	Param  string
	Value  decimal.Decimal
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("option pricing parameter %s=%s: %s", e.Param, e.Value, e.Reason)
}

// Params are the global option-pricing inputs for one scenario.
type Params struct {
	Spot            decimal.Decimal
	TimeToLiquidity decimal.Decimal // years
	Volatility      decimal.Decimal // annualized, as a fraction
	RiskFreeRate    decimal.Decimal // continuously compounded, as a fraction
	DividendYield   decimal.Decimal // continuous, as a fraction
}

// Validate rejects parameters the pricing kernel cannot accept.
func (p Params) Validate() error {
	if !p.Spot.IsPositive() {
		return &ParameterError{Param: "spot", Value: p.Spot, Reason: "must be positive"}
	}
	if !p.TimeToLiquidity.IsPositive() {
		return &ParameterError{Param: "timeToLiquidity", Value: p.TimeToLiquidity, Reason: "must be positive"}
	}
	if !p.Volatility.IsPositive() {
		return &ParameterError{Param: "volatility", Value: p.Volatility, Reason: "must be positive"}
	}
	one := decimal.New(1, 0)
	if p.RiskFreeRate.Abs().GreaterThanOrEqual(one) {
		return &ParameterError{Param: "riskFreeRate", Value: p.RiskFreeRate, Reason: "must lie in (-1, 1)"}
	}
	if p.DividendYield.IsNegative() || p.DividendYield.GreaterThanOrEqual(one) {
		return &ParameterError{Param: "dividendYield", Value: p.DividendYield, Reason: "must lie in [0, 1)"}
	}
	return nil
}

// WithSpot returns a copy of the parameters with the spot replaced.
func (p Params) WithSpot(spot decimal.Decimal) Params {
	p.Spot = spot
	return p
}

// WithVolatility returns a copy of the parameters with the volatility
// replaced.
func (p Params) WithVolatility(vol decimal.Decimal) Params {
	p.Volatility = vol
	return p
}

// normCDF is the standard normal cumulative distribution. Built on
// math.Erfc it is accurate to roughly 1e-15 across the real line.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// call prices a European call with continuous dividend yield. A zero
// strike degrades to the dividend-discounted spot.
func call(spot, strike, t, vol, r, q float64) float64 {
	if strike <= 0 {
		return spot * math.Exp(-q*t)
	}
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (r-q+0.5*vol*vol)*t) / (vol * sqrtT)
	d2 := d1 - vol*sqrtT
	return spot*math.Exp(-q*t)*normCDF(d1) - strike*math.Exp(-r*t)*normCDF(d2)
}

// Call prices a European call on total equity value struck at the given
// exit value. Parameters must already be validated.
func Call(p Params, strike decimal.Decimal) decimal.Decimal {
	return fromFloat(call(
		toFloat(p.Spot),
		toFloat(strike),
		toFloat(p.TimeToLiquidity),
		toFloat(p.Volatility),
		toFloat(p.RiskFreeRate),
		toFloat(p.DividendYield),
	))
}

func toFloat(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

func fromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
