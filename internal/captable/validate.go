package captable

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ValidationError reports a malformed or inconsistent cap-table record.
// The analysis never proceeds on input that fails validation.
type ValidationError struct {
	Security string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cap table validation: %s: %s: %s", e.Security, e.Field, e.Reason)
}

func invalid(security, field, reason string) *ValidationError {
	return &ValidationError{Security: security, Field: field, Reason: reason}
}

// Normalize validates every record and produces a canonical snapshot:
// string enums are checked, a configured zero participation cap is
// downgraded to non-participating, and common classes get unit conversion
// ratios. The input snapshot is not modified.
func Normalize(logger *zap.Logger, s Snapshot) (Snapshot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := Validate(s); err != nil {
		return Snapshot{}, err
	}

	out := Snapshot{
		Classes:       make([]ShareClass, len(s.Classes)),
		Grants:        make([]OptionGrant, len(s.Grants)),
		ValuationDate: s.ValuationDate,
	}
	copy(out.Classes, s.Classes)
	copy(out.Grants, s.Grants)

	for i := range out.Classes {
		c := &out.Classes[i]
		if c.Type == ClassCommon {
			c.ConversionRatio = decimal.New(1, 0)
			c.Preference = ""
			c.LiquidationMultiple = decimal.Zero
			continue
		}
		if c.Preference == ParticipatingWithCap && c.ParticipationCap.IsZero() {
			logger.Warn("zero participation cap treated as non-participating",
				zap.String("op", "captable.Normalize"),
				zap.String("class", c.Name),
			)
			c.Preference = NonParticipating
		}
	}

	return out, nil
}

// Validate checks every record and returns all violations joined into a
// single error. Each individual violation is a *ValidationError.
func Validate(s Snapshot) error {
	var errs []error

	if len(s.Classes) == 0 {
		errs = append(errs, invalid("snapshot", "classes", "at least one share class is required"))
	}
	if s.ValuationDate.IsZero() {
		errs = append(errs, invalid("snapshot", "valuationDate", "valuation date is required"))
	}

	seen := make(map[string]bool)
	hasCommon := false
	for _, c := range s.Classes {
		errs = append(errs, validateClass(c, seen)...)
		if c.Type == ClassCommon {
			hasCommon = true
		}
	}
	if len(s.Classes) > 0 && !hasCommon {
		errs = append(errs, invalid("snapshot", "classes", "at least one common class is required"))
	}
	for _, g := range s.Grants {
		errs = append(errs, validateGrant(g, seen)...)
	}

	return errors.Join(errs...)
}

func validateClass(c ShareClass, seen map[string]bool) []error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, invalid("(unnamed)", "name", "name is required"))
		return errs
	}
	if seen[c.Name] {
		errs = append(errs, invalid(c.Name, "name", "duplicate security name"))
	}
	seen[c.Name] = true

	if !c.SharesOutstanding.IsPositive() {
		errs = append(errs, invalid(c.Name, "sharesOutstanding", "must be positive"))
	}
	if c.PricePerShare.IsNegative() {
		errs = append(errs, invalid(c.Name, "pricePerShare", "must not be negative"))
	}

	switch c.Type {
	case ClassCommon:
		if c.Preference != "" && c.Preference != NonParticipating {
			errs = append(errs, invalid(c.Name, "preference", "common stock cannot carry a participation preference"))
		}
	case ClassPreferred:
		if !c.LiquidationMultiple.IsPositive() {
			errs = append(errs, invalid(c.Name, "liquidationMultiple", "must be greater than zero for preferred"))
		}
		if !c.ConversionRatio.IsPositive() {
			errs = append(errs, invalid(c.Name, "conversionRatio", "must be greater than zero for preferred"))
		}
		switch c.Preference {
		case NonParticipating, Participating:
			if !c.ParticipationCap.IsZero() {
				errs = append(errs, invalid(c.Name, "participationCap", "only valid for participating-with-cap"))
			}
		case ParticipatingWithCap:
			if c.ParticipationCap.IsNegative() {
				errs = append(errs, invalid(c.Name, "participationCap", "must not be negative"))
			} else if !c.ParticipationCap.IsZero() && c.ParticipationCap.LessThan(c.LiquidationMultiple) {
				errs = append(errs, invalid(c.Name, "participationCap",
					"cap multiple cannot be below the liquidation multiple"))
			}
		default:
			errs = append(errs, invalid(c.Name, "preference", fmt.Sprintf("unknown preference kind %q", c.Preference)))
		}
	default:
		errs = append(errs, invalid(c.Name, "type", fmt.Sprintf("unknown class type %q", c.Type)))
	}

	if c.Dividends.Declared && !c.Dividends.Rate.IsPositive() {
		errs = append(errs, invalid(c.Name, "dividends.rate", "rate is required when dividends are declared"))
	}
	if !c.Dividends.Declared && !c.Dividends.Cumulative && !c.Dividends.Rate.IsZero() {
		errs = append(errs, invalid(c.Name, "dividends.rate", "rate requires declared or cumulative dividends"))
	}
	if c.Dividends.Rate.IsNegative() {
		errs = append(errs, invalid(c.Name, "dividends.rate", "must not be negative"))
	}

	return errs
}

func validateGrant(g OptionGrant, seen map[string]bool) []error {
	var errs []error

	if g.Name == "" {
		errs = append(errs, invalid("(unnamed)", "name", "name is required"))
		return errs
	}
	if seen[g.Name] {
		errs = append(errs, invalid(g.Name, "name", "duplicate security name"))
	}
	seen[g.Name] = true

	if !g.Count.IsPositive() {
		errs = append(errs, invalid(g.Name, "count", "must be positive"))
	}
	if g.ExercisePrice.IsNegative() {
		errs = append(errs, invalid(g.Name, "exercisePrice", "must not be negative"))
	}
	if g.Kind != InstrumentOption && g.Kind != InstrumentWarrant {
		errs = append(errs, invalid(g.Name, "kind", fmt.Sprintf("unknown instrument kind %q", g.Kind)))
	}

	return errs
}
