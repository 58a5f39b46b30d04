// Package testutil provides common utility functions and fixtures for
// testing.
package testutil

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencaptable/waterfall/internal/captable"
	"github.com/opencaptable/waterfall/internal/opm"
	"github.com/opencaptable/waterfall/internal/waterfall"
)

// ReferenceDate is the valuation date used by the reference fixtures.
var ReferenceDate = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

// ReferenceSnapshot builds the three-round reference cap table: a Seed
// round ($2M at $1.00, non-participating, 1x), Series A ($5M at $2.50,
// participating, 1x, uncapped), Series B ($10M at $5.00,
// participating-with-cap, 2x), and 4M common shares. Its hand-computed
// waterfall:
//
//	[0, 10M)     Series B 1x preference
//	[10M, 15M)   Series A 1x preference
//	[15M, 17M)   Seed 1x preference
//	[17M, 25M)   residual: common 4M + A 2M + B 2M shares
//	[25M, 65M)   Seed converts at $1.00/share
//	[65M, 105M)  Series B capped at $20M, leaves the pool
//	[105M, ∞)    Series B converts at $10.00/share, fully diluted
func ReferenceSnapshot() captable.Snapshot {
	return captable.Snapshot{
		ValuationDate: ReferenceDate,
		Classes: []captable.ShareClass{
			{
				Name:              "Common",
				Type:              captable.ClassCommon,
				SharesOutstanding: decimal.NewFromInt(4_000_000),
				PricePerShare:     decimal.Zero,
			},
			{
				Name:                "Seed",
				Type:                captable.ClassPreferred,
				SeniorityRank:       1,
				SharesOutstanding:   decimal.NewFromInt(2_000_000),
				PricePerShare:       decimal.NewFromInt(1),
				LiquidationMultiple: decimal.NewFromInt(1),
				Preference:          captable.NonParticipating,
				ConversionRatio:     decimal.NewFromInt(1),
			},
			{
				Name:                "Series A",
				Type:                captable.ClassPreferred,
				SeniorityRank:       2,
				SharesOutstanding:   decimal.NewFromInt(2_000_000),
				PricePerShare:       decimal.RequireFromString("2.5"),
				LiquidationMultiple: decimal.NewFromInt(1),
				Preference:          captable.Participating,
				ConversionRatio:     decimal.NewFromInt(1),
			},
			{
				Name:                "Series B",
				Type:                captable.ClassPreferred,
				SeniorityRank:       3,
				SharesOutstanding:   decimal.NewFromInt(2_000_000),
				PricePerShare:       decimal.NewFromInt(5),
				LiquidationMultiple: decimal.NewFromInt(1),
				Preference:          captable.ParticipatingWithCap,
				ParticipationCap:    decimal.NewFromInt(2),
				ConversionRatio:     decimal.NewFromInt(1),
			},
		},
	}
}

// ReferenceParams returns option-pricing parameters that exercise every
// tranche of the reference schedule.
func ReferenceParams() opm.Params {
	return opm.Params{
		Spot:            decimal.NewFromInt(30_000_000),
		TimeToLiquidity: decimal.NewFromInt(2),
		Volatility:      decimal.RequireFromString("0.6"),
		RiskFreeRate:    decimal.RequireFromString("0.04"),
		DividendYield:   decimal.Zero,
	}
}

// FindBreakpoint returns the first breakpoint of the given kind involving
// the security, or nil.
func FindBreakpoint(sched *waterfall.Schedule, kind waterfall.Kind, security string) *waterfall.Breakpoint {
	for i := range sched.Breakpoints {
		bp := &sched.Breakpoints[i]
		if bp.Kind != kind {
			continue
		}
		if security == "" {
			return bp
		}
		for _, trig := range bp.Triggers {
			if strings.HasSuffix(trig, ":"+security) {
				return bp
			}
		}
	}
	return nil
}

// Percent returns the marginal percentage of a security within a
// breakpoint, or zero when it does not participate.
func Percent(bp *waterfall.Breakpoint, security string) decimal.Decimal {
	for _, p := range bp.Participants {
		if p.Security == security {
			return p.Percent
		}
	}
	return decimal.Zero
}
