// Package captable validates and normalizes raw share-class and option
// records into a canonical, decimal-precise representation. A normalized
// Snapshot is an immutable input for the duration of one analysis; every
// derived quantity is recomputed from it on demand, nothing is cached or
// mutated across runs.
package captable

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClassType distinguishes common from preferred stock.
type ClassType string

const (
	ClassCommon    ClassType = "common"
	ClassPreferred ClassType = "preferred"
)

// PreferenceKind describes how a preferred class shares in proceeds after
// its liquidation preference is satisfied.
type PreferenceKind string

const (
	NonParticipating     PreferenceKind = "non-participating"
	Participating        PreferenceKind = "participating"
	ParticipatingWithCap PreferenceKind = "participating-with-cap"
)

// InstrumentKind distinguishes employee options from warrants. Both are
// priced identically; the kind is carried for reporting.
type InstrumentKind string

const (
	InstrumentOption  InstrumentKind = "option"
	InstrumentWarrant InstrumentKind = "warrant"
)

// DividendTerms describes a preferred class's dividend rights.
type DividendTerms struct {
	Declared   bool
	Rate       decimal.Decimal // annual rate as a fraction of invested capital
	Cumulative bool
	PaidInKind bool
}

// ShareClass is one class of stock on the cap table.
type ShareClass struct {
	Name                string
	Type                ClassType
	SeniorityRank       int // higher rank is paid first; equal ranks are pari passu
	SharesOutstanding   decimal.Decimal
	PricePerShare       decimal.Decimal
	LiquidationMultiple decimal.Decimal
	Preference          PreferenceKind
	ParticipationCap    decimal.Decimal // multiple of invested capital, capped kind only
	ConversionRatio     decimal.Decimal
	Dividends           DividendTerms
	IssuedAt            time.Time
}

// OptionGrant is an outstanding option or warrant pool entry.
type OptionGrant struct {
	Name          string
	Count         decimal.Decimal
	ExercisePrice decimal.Decimal
	Kind          InstrumentKind
}

// Snapshot is a validated, normalized cap table as of a valuation date.
type Snapshot struct {
	Classes       []ShareClass
	Grants        []OptionGrant
	ValuationDate time.Time
}

// AmountInvested is the capital paid for the class.
func (c ShareClass) AmountInvested() decimal.Decimal {
	return c.SharesOutstanding.Mul(c.PricePerShare)
}

// AsConvertedShares is the class's economic equivalent in common shares.
func (c ShareClass) AsConvertedShares() decimal.Decimal {
	if c.Type == ClassCommon {
		return c.SharesOutstanding
	}
	return c.SharesOutstanding.Mul(c.ConversionRatio)
}

// AccruedDividends returns the dividends owed as of the valuation date.
// Cumulative dividends accrue over elapsed time since issuance, compounded
// annually when paid in kind. Non-cumulative dividends are owed only when
// declared and only for a single period; they are never projected forward.
func (c ShareClass) AccruedDividends(asOf time.Time) decimal.Decimal {
	if c.Type != ClassPreferred || c.Dividends.Rate.IsZero() {
		return decimal.Zero
	}
	invested := c.AmountInvested()
	if !c.Dividends.Cumulative {
		if !c.Dividends.Declared {
			return decimal.Zero
		}
		return invested.Mul(c.Dividends.Rate)
	}

	years := elapsedYears(c.IssuedAt, asOf)
	if !years.IsPositive() {
		return decimal.Zero
	}
	if !c.Dividends.PaidInKind {
		return invested.Mul(c.Dividends.Rate).Mul(years)
	}

	// Paid-in-kind dividends compound on each anniversary, with simple
	// accrual over the fractional remainder of the final year.
	whole := years.Floor()
	frac := years.Sub(whole)
	growth := decimal.New(1, 0).Add(c.Dividends.Rate).Pow(whole)
	base := invested.Mul(growth)
	return base.Mul(decimal.New(1, 0).Add(c.Dividends.Rate.Mul(frac))).Sub(invested)
}

// LiquidationPreference is the amount the class is entitled to before
// junior classes share in proceeds: invested capital times the liquidation
// multiple, plus accrued dividends.
func (c ShareClass) LiquidationPreference(asOf time.Time) decimal.Decimal {
	if c.Type != ClassPreferred {
		return decimal.Zero
	}
	return c.AmountInvested().Mul(c.LiquidationMultiple).Add(c.AccruedDividends(asOf))
}

// CapAmount is the maximum cumulative proceeds a participating-with-cap
// class may receive before it stops participating.
func (c ShareClass) CapAmount() decimal.Decimal {
	if c.Preference != ParticipatingWithCap {
		return decimal.Zero
	}
	return c.AmountInvested().Mul(c.ParticipationCap)
}

func elapsedYears(from, to time.Time) decimal.Decimal {
	if from.IsZero() || !to.After(from) {
		return decimal.Zero
	}
	days := decimal.NewFromInt(int64(to.Sub(from).Hours() / 24))
	return days.Div(decimal.NewFromInt(365))
}

// CommonShares sums the outstanding shares of all common classes.
func (s Snapshot) CommonShares() decimal.Decimal {
	total := decimal.Zero
	for _, c := range s.Classes {
		if c.Type == ClassCommon {
			total = total.Add(c.SharesOutstanding)
		}
	}
	return total
}

// FullyDilutedShares is the as-converted share count across all classes
// plus all option and warrant grants.
func (s Snapshot) FullyDilutedShares() decimal.Decimal {
	total := decimal.Zero
	for _, c := range s.Classes {
		total = total.Add(c.AsConvertedShares())
	}
	for _, g := range s.Grants {
		total = total.Add(g.Count)
	}
	return total
}

// SecurityNames lists every security on the table, classes first, in
// declaration order.
func (s Snapshot) SecurityNames() []string {
	names := make([]string, 0, len(s.Classes)+len(s.Grants))
	for _, c := range s.Classes {
		names = append(names, c.Name)
	}
	for _, g := range s.Grants {
		names = append(names, g.Name)
	}
	return names
}
