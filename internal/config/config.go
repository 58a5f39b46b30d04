// Package config defines the data structures related to configuration and
// includes functions for loading, decoding, and validating the config.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/opencaptable/waterfall/internal/captable"
	"github.com/opencaptable/waterfall/internal/opm"
	"github.com/opencaptable/waterfall/internal/scenario"
)

// DateLayout is the date format expected in config files.
const DateLayout = "2006-01-02"

// Configuration holds all inputs for one valuation run.
type Configuration struct {
	CapTable    CapTable      `yaml:"capTable" validate:"required"`
	Pricing     Pricing       `yaml:"pricing"`
	Scenarios   []Scenario    `yaml:"scenarios" validate:"dive"`
	Calibration *Calibration  `yaml:"calibration,omitempty"`
	Logging     LoggingConfig `yaml:"logging,omitempty"`
	Output      OutputConfig  `yaml:"output,omitempty"`
}

// LoggingConfig holds logging configuration options.
type LoggingConfig struct {
	Level      string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string `yaml:"format,omitempty" validate:"omitempty,oneof=json console"`
	OutputFile string `yaml:"outputFile,omitempty"`
}

// OutputConfig holds output format configuration options.
type OutputConfig struct {
	Format string `yaml:"format,omitempty" validate:"omitempty,oneof=pretty csv json"`
	// AuditFile, when set, receives the full audit trail as YAML.
	AuditFile string `yaml:"auditFile,omitempty"`
}

// CapTable is the raw cap-table snapshot as configured.
type CapTable struct {
	ValuationDate string  `yaml:"valuationDate" validate:"required"`
	Classes       []Class `yaml:"classes" validate:"required,min=1,dive"`
	Grants        []Grant `yaml:"grants" validate:"dive"`
}

// Class is one configured share class.
type Class struct {
	Name                string          `yaml:"name" validate:"required"`
	Type                string          `yaml:"type" validate:"required,oneof=common preferred"`
	SeniorityRank       int             `yaml:"seniorityRank" validate:"gte=0"`
	SharesOutstanding   decimal.Decimal `yaml:"sharesOutstanding"`
	PricePerShare       decimal.Decimal `yaml:"pricePerShare"`
	LiquidationMultiple decimal.Decimal `yaml:"liquidationMultiple"`
	Preference          string          `yaml:"preference" validate:"omitempty,oneof=non-participating participating participating-with-cap"`
	ParticipationCap    decimal.Decimal `yaml:"participationCap"`
	ConversionRatio     decimal.Decimal `yaml:"conversionRatio"`
	IssuedAt            string          `yaml:"issuedAt,omitempty"`
	Dividends           *Dividends      `yaml:"dividends,omitempty"`
}

// Dividends configures a preferred class's dividend terms.
type Dividends struct {
	Declared   bool            `yaml:"declared"`
	Rate       decimal.Decimal `yaml:"rate"`
	Cumulative bool            `yaml:"cumulative"`
	PaidInKind bool            `yaml:"paidInKind"`
}

// Grant is one configured option or warrant pool entry.
type Grant struct {
	Name          string          `yaml:"name" validate:"required"`
	Kind          string          `yaml:"kind" validate:"required,oneof=option warrant"`
	Count         decimal.Decimal `yaml:"count"`
	ExercisePrice decimal.Decimal `yaml:"exercisePrice"`
}

// Pricing holds option-pricing parameters; scenario-level pricing overrides
// replace the global values field by field where set.
type Pricing struct {
	Spot            decimal.Decimal `yaml:"spot"`
	TimeToLiquidity decimal.Decimal `yaml:"timeToLiquidity"`
	Volatility      decimal.Decimal `yaml:"volatility"`
	RiskFreeRate    decimal.Decimal `yaml:"riskFreeRate"`
	DividendYield   decimal.Decimal `yaml:"dividendYield"`
}

// Scenario is one weighted exit scenario.
type Scenario struct {
	ID      string          `yaml:"id" validate:"required"`
	Weight  decimal.Decimal `yaml:"weight"`
	Pricing *Pricing        `yaml:"pricing,omitempty"`
}

// Calibration configures the optional inverse solve.
type Calibration struct {
	Security      string          `yaml:"security" validate:"required"`
	TargetValue   decimal.Decimal `yaml:"targetValue"`
	Parameter     string          `yaml:"parameter" validate:"required,oneof=spot volatility"`
	LowerBound    decimal.Decimal `yaml:"lowerBound"`
	UpperBound    decimal.Decimal `yaml:"upperBound"`
	Tolerance     decimal.Decimal `yaml:"tolerance"`
	MaxIterations int             `yaml:"maxIterations" validate:"gte=0"`
}

// decimalDecodeHook converts YAML scalars to decimal.Decimal through their
// string form, never through intermediate float arithmetic.
func decimalDecodeHook(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	return decimal.NewFromString(fmt.Sprintf("%v", data))
}

// LoadConfiguration takes a file path as input and loads the YAML-formatted
// configuration there, decoding numeric scalars to decimals and applying
// field-level validation.
func LoadConfiguration(configPath string) (*Configuration, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file, %s", err)
	}

	var configuration Configuration
	err := v.Unmarshal(&configuration,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(decimalDecodeHook)),
		func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" },
	)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %s", err)
	}

	if err := validator.New().Struct(configuration); err != nil {
		return nil, fmt.Errorf("configuration failed field validation: %w", err)
	}

	return &configuration, nil
}

// Snapshot converts the configured cap table into the engine's canonical
// snapshot form. Semantic validation happens in captable.Normalize.
func (c *Configuration) Snapshot() (captable.Snapshot, error) {
	asOf, err := time.Parse(DateLayout, c.CapTable.ValuationDate)
	if err != nil {
		return captable.Snapshot{}, fmt.Errorf("invalid valuation date %q: %w", c.CapTable.ValuationDate, err)
	}

	snap := captable.Snapshot{ValuationDate: asOf}
	for _, cls := range c.CapTable.Classes {
		class := captable.ShareClass{
			Name:                cls.Name,
			Type:                captable.ClassType(cls.Type),
			SeniorityRank:       cls.SeniorityRank,
			SharesOutstanding:   cls.SharesOutstanding,
			PricePerShare:       cls.PricePerShare,
			LiquidationMultiple: cls.LiquidationMultiple,
			Preference:          captable.PreferenceKind(cls.Preference),
			ParticipationCap:    cls.ParticipationCap,
			ConversionRatio:     cls.ConversionRatio,
		}
		if cls.IssuedAt != "" {
			issued, parseErr := time.Parse(DateLayout, cls.IssuedAt)
			if parseErr != nil {
				return captable.Snapshot{}, fmt.Errorf("class %s: invalid issuedAt %q: %w", cls.Name, cls.IssuedAt, parseErr)
			}
			class.IssuedAt = issued
		}
		if cls.Dividends != nil {
			class.Dividends = captable.DividendTerms{
				Declared:   cls.Dividends.Declared,
				Rate:       cls.Dividends.Rate,
				Cumulative: cls.Dividends.Cumulative,
				PaidInKind: cls.Dividends.PaidInKind,
			}
		}
		snap.Classes = append(snap.Classes, class)
	}
	for _, g := range c.CapTable.Grants {
		snap.Grants = append(snap.Grants, captable.OptionGrant{
			Name:          g.Name,
			Count:         g.Count,
			ExercisePrice: g.ExercisePrice,
			Kind:          captable.InstrumentKind(g.Kind),
		})
	}
	return snap, nil
}

// PricingParams returns the global option-pricing parameters.
func (c *Configuration) PricingParams() opm.Params {
	return c.Pricing.params()
}

func (p Pricing) params() opm.Params {
	return opm.Params{
		Spot:            p.Spot,
		TimeToLiquidity: p.TimeToLiquidity,
		Volatility:      p.Volatility,
		RiskFreeRate:    p.RiskFreeRate,
		DividendYield:   p.DividendYield,
	}
}

// ScenarioDefinitions maps the configured scenarios to engine definitions.
// An empty scenario list yields a single "base" scenario with weight 1.
// Pricing overrides are carried field by field so unset fields keep
// tracking the global parameters, including a calibrated one.
func (c *Configuration) ScenarioDefinitions() []scenario.Definition {
	if len(c.Scenarios) == 0 {
		return []scenario.Definition{{ID: "base", Weight: decimal.New(1, 0)}}
	}

	defs := make([]scenario.Definition, 0, len(c.Scenarios))
	for _, s := range c.Scenarios {
		def := scenario.Definition{ID: s.ID, Weight: s.Weight}
		if s.Pricing != nil {
			def.Overrides = &scenario.ParamsOverride{
				Spot:            s.Pricing.Spot,
				TimeToLiquidity: s.Pricing.TimeToLiquidity,
				Volatility:      s.Pricing.Volatility,
				RiskFreeRate:    s.Pricing.RiskFreeRate,
				DividendYield:   s.Pricing.DividendYield,
			}
		}
		defs = append(defs, def)
	}
	return defs
}

// CalibrationTarget maps the optional calibration block to an engine
// target; ok is false when no calibration is configured.
func (c *Configuration) CalibrationTarget() (scenario.CalibrationTarget, bool) {
	if c.Calibration == nil {
		return scenario.CalibrationTarget{}, false
	}
	return scenario.CalibrationTarget{
		Security:      c.Calibration.Security,
		TargetValue:   c.Calibration.TargetValue,
		Parameter:     scenario.Parameter(c.Calibration.Parameter),
		LowerBound:    c.Calibration.LowerBound,
		UpperBound:    c.Calibration.UpperBound,
		Tolerance:     c.Calibration.Tolerance,
		MaxIterations: c.Calibration.MaxIterations,
	}, true
}

// ValidateConfiguration performs general validation of the configuration
// and returns warnings. Hard violations surface later as typed errors from
// the engine itself.
func (c *Configuration) ValidateConfiguration() []string {
	var warnings []string

	sum := decimal.Zero
	for _, s := range c.Scenarios {
		if s.Weight.IsZero() {
			warnings = append(warnings, fmt.Sprintf("Scenario '%s' has zero probability weight and will not contribute", s.ID))
		}
		sum = sum.Add(s.Weight)
	}
	if len(c.Scenarios) > 0 && !sum.Equal(decimal.New(1, 0)) {
		warnings = append(warnings, fmt.Sprintf("Scenario probability weights sum to %s; they will be normalized to 1", sum))
	}

	if c.Pricing.DividendYield.IsPositive() {
		warnings = append(warnings, "A positive dividend yield discounts total allocable value below spot")
	}
	if c.Calibration != nil {
		for _, s := range c.Scenarios {
			if s.Pricing == nil {
				continue
			}
			if c.Calibration.Parameter == "spot" && !s.Pricing.Spot.IsZero() {
				warnings = append(warnings, fmt.Sprintf("Scenario '%s' overrides spot; calibration only moves the global value", s.ID))
			}
			if c.Calibration.Parameter == "volatility" && !s.Pricing.Volatility.IsZero() {
				warnings = append(warnings, fmt.Sprintf("Scenario '%s' overrides volatility; calibration only moves the global value", s.ID))
			}
		}
	}

	return warnings
}
