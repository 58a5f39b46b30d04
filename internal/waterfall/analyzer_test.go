package waterfall_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/opencaptable/waterfall/internal/audit"
	"github.com/opencaptable/waterfall/internal/captable"
	"github.com/opencaptable/waterfall/internal/waterfall"
	"github.com/opencaptable/waterfall/pkg/testutil"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func approx(t *testing.T, got decimal.Decimal, expected string, context string) {
	t.Helper()
	want := dec(expected)
	if got.Sub(want).Abs().GreaterThan(dec("0.01")) {
		t.Errorf("%s = %s, expected %s", context, got, expected)
	}
}

// TestAnalyzeReferenceCapTable walks the full schedule for the three-round
// reference cap table: a 1x non-participating Seed, a 1x uncapped
// participating Series A, a 2x-capped participating Series B, and common.
func TestAnalyzeReferenceCapTable(t *testing.T) {
	trail := audit.New()
	sched, err := waterfall.NewAnalyzer(nil).Analyze(trail, testutil.ReferenceSnapshot())
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	expected := []struct {
		kind waterfall.Kind
		from string
		// security -> marginal percent
		percents map[string]string
	}{
		{
			kind:     waterfall.KindLiquidationPreference,
			from:     "0",
			percents: map[string]string{"Series B": "100"},
		},
		{
			kind:     waterfall.KindLiquidationPreference,
			from:     "10000000",
			percents: map[string]string{"Series A": "100"},
		},
		{
			kind:     waterfall.KindLiquidationPreference,
			from:     "15000000",
			percents: map[string]string{"Seed": "100"},
		},
		{
			kind:     waterfall.KindResidual,
			from:     "17000000",
			percents: map[string]string{"Common": "50", "Series A": "25", "Series B": "25"},
		},
		{
			kind:     waterfall.KindConversion,
			from:     "25000000",
			percents: map[string]string{"Common": "40", "Seed": "20", "Series A": "20", "Series B": "20"},
		},
		{
			kind:     waterfall.KindParticipationCap,
			from:     "65000000",
			percents: map[string]string{"Common": "50", "Seed": "25", "Series A": "25"},
		},
		{
			kind:     waterfall.KindConversion,
			from:     "105000000",
			percents: map[string]string{"Common": "40", "Seed": "20", "Series A": "20", "Series B": "20"},
		},
	}

	if len(sched.Breakpoints) != len(expected) {
		t.Fatalf("got %d breakpoints, expected %d", len(sched.Breakpoints), len(expected))
	}

	for i, want := range expected {
		bp := sched.Breakpoints[i]
		if bp.Kind != want.kind {
			t.Errorf("breakpoint %d kind = %s, expected %s", i, bp.Kind, want.kind)
		}
		approx(t, bp.From, want.from, "breakpoint From")
		if len(bp.Participants) != len(want.percents) {
			t.Errorf("breakpoint %d has %d participants, expected %d", i, len(bp.Participants), len(want.percents))
			continue
		}
		for _, p := range bp.Participants {
			expectedPct, ok := want.percents[p.Security]
			if !ok {
				t.Errorf("breakpoint %d: unexpected participant %s", i, p.Security)
				continue
			}
			approx(t, p.Percent, expectedPct, p.Security+" percent in breakpoint")
		}
	}

	// Intervals close onto the next From; the terminal stays open.
	for i := 0; i < len(sched.Breakpoints)-1; i++ {
		if sched.Breakpoints[i].To == nil {
			t.Errorf("breakpoint %d should have a closed interval", i)
		} else if !sched.Breakpoints[i].To.Equal(sched.Breakpoints[i+1].From) {
			t.Errorf("breakpoint %d To = %s, expected next From %s",
				i, sched.Breakpoints[i].To, sched.Breakpoints[i+1].From)
		}
	}
	if sched.Breakpoints[len(sched.Breakpoints)-1].To != nil {
		t.Error("terminal interval must be open-ended")
	}

	// Series B's cap and conversion crossings were first estimated on the
	// pre-conversion segment and re-solved after Seed joined the pool.
	if len(sched.CriticalValues) != 2 {
		t.Errorf("got %d critical values, expected 2", len(sched.CriticalValues))
	}

	// An uncapped participating class never converts.
	for _, bp := range sched.Breakpoints {
		for _, trig := range bp.Triggers {
			if trig == "conversion:Series A" {
				t.Error("participating Series A must not have a conversion trigger")
			}
		}
	}

	if _, ok := trail.Find("waterfall", "schedule-complete"); !ok {
		t.Error("audit trail should record schedule completion")
	}
}

func TestDistributeAt(t *testing.T) {
	sched, err := waterfall.NewAnalyzer(nil).Analyze(nil, testutil.ReferenceSnapshot())
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	tests := []struct {
		name     string
		exit     string
		expected map[string]string
	}{
		{
			name: "Below the senior preference everything goes to Series B",
			exit: "8000000",
			expected: map[string]string{
				"Series B": "8000000", "Series A": "0", "Seed": "0", "Common": "0",
			},
		},
		{
			name: "At the preference stack boundary",
			exit: "17000000",
			expected: map[string]string{
				"Series B": "10000000", "Series A": "5000000", "Seed": "2000000", "Common": "0",
			},
		},
		{
			name: "Inside the post-conversion interval",
			exit: "30000000",
			expected: map[string]string{
				"Series B": "13000000", "Series A": "8000000", "Seed": "3000000", "Common": "6000000",
			},
		},
		{
			name: "Series B pinned at its cap",
			exit: "80000000",
			expected: map[string]string{
				"Series B": "20000000", "Series A": "18750000", "Seed": "13750000", "Common": "27500000",
			},
		},
		{
			name:     "Zero exit pays nothing",
			exit:     "0",
			expected: map[string]string{"Series B": "0", "Series A": "0", "Seed": "0", "Common": "0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payouts := sched.DistributeAt(dec(tt.exit))
			total := decimal.Zero
			for security, expected := range tt.expected {
				approx(t, payouts[security], expected, security+" payout")
				total = total.Add(payouts[security])
			}
			if !dec(tt.exit).IsZero() && total.Sub(dec(tt.exit)).Abs().GreaterThan(dec("0.01")) {
				t.Errorf("payouts sum to %s, expected exit value %s", total, tt.exit)
			}
		})
	}
}

func TestAnalyzeCoincidentEventsMerge(t *testing.T) {
	// The preferred conversion and the option exercise both trigger at a
	// per-share payout of exactly 1.00, so they collapse into one breakpoint.
	snap := captable.Snapshot{
		ValuationDate: testutil.ReferenceDate,
		Classes: []captable.ShareClass{
			{
				Name:              "Common",
				Type:              captable.ClassCommon,
				SharesOutstanding: decimal.NewFromInt(1_000_000),
				ConversionRatio:   decimal.NewFromInt(1),
			},
			{
				Name:                "Series A",
				Type:                captable.ClassPreferred,
				SeniorityRank:       1,
				SharesOutstanding:   decimal.NewFromInt(1_000_000),
				PricePerShare:       decimal.NewFromInt(1),
				LiquidationMultiple: decimal.NewFromInt(1),
				Preference:          captable.NonParticipating,
				ConversionRatio:     decimal.NewFromInt(1),
			},
		},
		Grants: []captable.OptionGrant{
			{
				Name:          "Option Pool",
				Kind:          captable.InstrumentOption,
				Count:         decimal.NewFromInt(500_000),
				ExercisePrice: decimal.NewFromInt(1),
			},
		},
	}

	sched, err := waterfall.NewAnalyzer(nil).Analyze(nil, snap)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if len(sched.Breakpoints) != 3 {
		t.Fatalf("got %d breakpoints, expected 3", len(sched.Breakpoints))
	}

	merged := sched.Breakpoints[2]
	approx(t, merged.From, "2000000", "merged breakpoint From")
	if merged.Kind != waterfall.KindConversion {
		t.Errorf("merged kind = %s, expected conversion to outrank option exercise", merged.Kind)
	}
	if len(merged.Triggers) != 2 {
		t.Errorf("merged breakpoint has %d triggers, expected 2: %v", len(merged.Triggers), merged.Triggers)
	}
	approx(t, testutil.Percent(&merged, "Common"), "40", "Common percent")
	approx(t, testutil.Percent(&merged, "Series A"), "40", "Series A percent")
	approx(t, testutil.Percent(&merged, "Option Pool"), "20", "Option Pool percent")
}

func TestAnalyzeOptionExerciseBeforeConversion(t *testing.T) {
	// A 0.50 strike exercises at exit 1.5M; the pool dilution then pushes
	// the conversion from its provisional 2M estimate out to 2.25M.
	snap := captable.Snapshot{
		ValuationDate: testutil.ReferenceDate,
		Classes: []captable.ShareClass{
			{
				Name:              "Common",
				Type:              captable.ClassCommon,
				SharesOutstanding: decimal.NewFromInt(1_000_000),
				ConversionRatio:   decimal.NewFromInt(1),
			},
			{
				Name:                "Series A",
				Type:                captable.ClassPreferred,
				SeniorityRank:       1,
				SharesOutstanding:   decimal.NewFromInt(1_000_000),
				PricePerShare:       decimal.NewFromInt(1),
				LiquidationMultiple: decimal.NewFromInt(1),
				Preference:          captable.NonParticipating,
				ConversionRatio:     decimal.NewFromInt(1),
			},
		},
		Grants: []captable.OptionGrant{
			{
				Name:          "Option Pool",
				Kind:          captable.InstrumentOption,
				Count:         decimal.NewFromInt(500_000),
				ExercisePrice: decimal.RequireFromString("0.5"),
			},
		},
	}

	sched, err := waterfall.NewAnalyzer(nil).Analyze(nil, snap)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	exercise := testutil.FindBreakpoint(sched, waterfall.KindOptionExercise, "Option Pool")
	if exercise == nil {
		t.Fatal("expected an option-exercise breakpoint")
	}
	approx(t, exercise.From, "1500000", "exercise From")

	conversion := testutil.FindBreakpoint(sched, waterfall.KindConversion, "Series A")
	if conversion == nil {
		t.Fatal("expected a conversion breakpoint")
	}
	approx(t, conversion.From, "2250000", "conversion From")

	if len(sched.CriticalValues) != 1 {
		t.Fatalf("got %d critical values, expected the superseded conversion estimate", len(sched.CriticalValues))
	}
	approx(t, sched.CriticalValues[0].ExitValue, "2000000", "provisional conversion estimate")
}

func TestAnalyzeZeroStrikeWarrantJoinsAtResidualStart(t *testing.T) {
	snap := captable.Snapshot{
		ValuationDate: testutil.ReferenceDate,
		Classes: []captable.ShareClass{
			{
				Name:              "Common",
				Type:              captable.ClassCommon,
				SharesOutstanding: decimal.NewFromInt(1_000_000),
				ConversionRatio:   decimal.NewFromInt(1),
			},
		},
		Grants: []captable.OptionGrant{
			{
				Name:          "Penny Warrant",
				Kind:          captable.InstrumentWarrant,
				Count:         decimal.NewFromInt(1_000_000),
				ExercisePrice: decimal.Zero,
			},
		},
	}

	sched, err := waterfall.NewAnalyzer(nil).Analyze(nil, snap)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if len(sched.Breakpoints) != 1 {
		t.Fatalf("got %d breakpoints, expected a single residual interval", len(sched.Breakpoints))
	}
	bp := sched.Breakpoints[0]
	if bp.Kind != waterfall.KindResidual {
		t.Errorf("kind = %s, expected residual", bp.Kind)
	}
	found := false
	for _, trig := range bp.Triggers {
		if trig == "warrant-exercise:Penny Warrant" {
			found = true
		}
	}
	if !found {
		t.Errorf("zero-strike warrant should fire at the residual start, triggers = %v", bp.Triggers)
	}
	approx(t, testutil.Percent(&bp, "Common"), "50", "Common percent")
	approx(t, testutil.Percent(&bp, "Penny Warrant"), "50", "warrant percent")
}

func TestAnalyzeBreakpointBudget(t *testing.T) {
	analyzer := waterfall.NewAnalyzer(nil, waterfall.WithMaxBreakpoints(2))
	_, err := analyzer.Analyze(nil, testutil.ReferenceSnapshot())
	if err == nil {
		t.Fatal("expected the breakpoint budget to trip")
	}

	var cerr *waterfall.ConsistencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConsistencyError, got %T: %v", err, err)
	}
}
