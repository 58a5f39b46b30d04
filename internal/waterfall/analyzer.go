package waterfall

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/opencaptable/waterfall/internal/audit"
	"github.com/opencaptable/waterfall/internal/captable"
	"github.com/opencaptable/waterfall/pkg/decimalmath"
	"github.com/opencaptable/waterfall/pkg/rootfind"
)

// DefaultMaxBreakpoints bounds the schedule size against pathological cap
// tables.
const DefaultMaxBreakpoints = 256

// Analyzer computes breakpoint schedules. One Analyzer may be reused across
// runs; all per-run state lives on the stack of Analyze.
type Analyzer struct {
	logger         *zap.Logger
	maxBreakpoints int
	tolerance      decimal.Decimal
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxBreakpoints overrides the breakpoint count bound.
func WithMaxBreakpoints(n int) Option {
	return func(a *Analyzer) { a.maxBreakpoints = n }
}

// WithTolerance overrides the numeric tolerance used for de-duplicating
// coincident breakpoints and verifying percentage sums.
func WithTolerance(tol decimal.Decimal) Option {
	return func(a *Analyzer) { a.tolerance = tol }
}

// NewAnalyzer creates an Analyzer. A nil logger is replaced with a no-op
// logger.
func NewAnalyzer(logger *zap.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Analyzer{
		logger:         logger,
		maxBreakpoints: DefaultMaxBreakpoints,
		tolerance:      decimalmath.DefaultTolerance,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// trigger is a pending residual-phase event expressed as a per-share price
// on the cumulative per-common-share payout function.
type trigger struct {
	security      string
	kind          Kind
	label         string
	price         decimal.Decimal
	shares        decimal.Decimal // as-converted shares joining the pool; zero on leave
	leave         bool
	dependsOn     []int
	firstEstimate *decimal.Decimal
}

// poolMember is one security participating in residual proceeds.
type poolMember struct {
	security string
	shares   decimal.Decimal
}

// Analyze produces the complete ordered breakpoint schedule for a
// normalized snapshot, recording every derivation step on the trail. It
// returns a *ConsistencyError and no schedule when any waterfall invariant
// fails.
func (a *Analyzer) Analyze(trail *audit.Trail, snap captable.Snapshot) (*Schedule, error) {
	if trail == nil {
		trail = audit.New()
	}

	sched := &Schedule{securities: snap.SecurityNames()}
	cum := make(map[string]decimal.Decimal, len(sched.securities))
	for _, name := range sched.securities {
		cum[name] = decimal.Zero
	}

	cur := decimal.Zero
	lpIndex := make(map[string]int)

	// Step 1-2: preference tranches in seniority order, pari passu within a
	// tier pro rata by preference amount.
	for _, tier := range preferenceTiers(snap) {
		amount := decimal.Zero
		for _, tc := range tier.classes {
			amount = amount.Add(tc.pref)
		}
		if !amount.IsPositive() {
			continue
		}

		parts := make([]Participation, 0, len(tier.classes))
		triggers := make([]string, 0, len(tier.classes))
		for _, tc := range tier.classes {
			parts = append(parts, Participation{
				Security: tc.class.Name,
				Percent:  decimalmath.Percentage(tc.pref, amount),
			})
			triggers = append(triggers, "liquidation-preference:"+tc.class.Name)
		}

		bp := Breakpoint{
			Kind:         KindLiquidationPreference,
			From:         cur,
			Participants: parts,
			Triggers:     triggers,
			Method:       "cumulative-preference",
			Explanation: fmt.Sprintf(
				"seniority rank %d liquidation preference of %s paid pro rata; tier satisfied at exit %s",
				tier.rank, amount, cur.Add(amount)),
		}
		if n := len(sched.Breakpoints); n > 0 {
			bp.DependsOn = []int{n - 1}
		}
		a.appendBreakpoint(sched, bp, cum)

		for _, tc := range tier.classes {
			cum[tc.class.Name] = cum[tc.class.Name].Add(tc.pref)
			lpIndex[tc.class.Name] = len(sched.Breakpoints) - 1
		}
		trail.Record("waterfall", "preference-tranche",
			fmt.Sprintf("rank %d preference tranche", tier.rank),
			audit.Dec("from", cur), audit.Dec("amount", amount),
			audit.Int("classes", len(tier.classes)))
		cur = cur.Add(amount)
	}

	// Step 2 (cont.): residual sharing begins once every preference is
	// satisfied. Participating preferred shares in parallel with its
	// already-paid preference from here on.
	pool, pending := a.residualSetup(snap, lpIndex)

	perShare := rootfind.NewPiecewise(cur, decimal.Zero, decimal.Zero)
	residual := Breakpoint{
		Kind:    KindResidual,
		From:    cur,
		Method:  "pro-rata",
		Explanation: fmt.Sprintf(
			"all liquidation preferences satisfied at exit %s; residual proceeds shared pro rata on participating as-converted shares", cur),
	}
	if n := len(sched.Breakpoints); n > 0 {
		residual.DependsOn = []int{n - 1}
	}

	// Events whose trigger is already met at the residual start (zero-strike
	// warrants, caps equal to the preference) collapse into the opening
	// residual breakpoint.
	pool, pending, fired := applyTriggers(pool, pending, decimal.Zero, a.tolerance)
	for _, t := range fired {
		residual.Triggers = append(residual.Triggers, t.label)
		residual.DependsOn = appendDeps(residual.DependsOn, t.dependsOn)
	}

	poolShares := totalShares(pool)
	residual.Participants = participantsFrom(pool, poolShares)
	a.appendBreakpoint(sched, residual, cum)
	if err := perShare.Extend(cur, oneOver(poolShares)); err != nil {
		return nil, &ConsistencyError{Reason: err.Error(), ExitValue: cur}
	}
	trail.Record("waterfall", "residual-start",
		"residual pro-rata sharing begins",
		audit.Dec("from", cur), audit.Dec("poolShares", poolShares),
		audit.Int("pendingEvents", len(pending)))

	// Steps 3-6: fire pending per-share triggers in ascending exit order,
	// merging coincident events, until the pool is fully diluted.
	for len(pending) > 0 {
		if len(sched.Breakpoints) >= a.maxBreakpoints {
			return nil, &ConsistencyError{
				Reason:     fmt.Sprintf("maximum breakpoint count %d exceeded", a.maxBreakpoints),
				Breakpoint: len(sched.Breakpoints) - 1,
				ExitValue:  cur,
			}
		}

		next, exit, ok := nearestTrigger(perShare, pending)
		if !ok {
			break
		}

		// Advance cumulative payouts across the closing interval.
		last := &sched.Breakpoints[len(sched.Breakpoints)-1]
		marginal := exit.Sub(cur)
		for _, p := range last.Participants {
			cum[p.Security] = cum[p.Security].Add(marginal.Mul(p.Percent).Div(decimalmath.Hundred))
		}

		targetPrice := perShare.ValueAt(exit)
		pool, pending, fired = applyTriggers(pool, pending, targetPrice, a.tolerance)
		if len(fired) == 0 {
			return nil, &ConsistencyError{
				Reason:    "trigger selection failed to fire any event",
				ExitValue: exit,
			}
		}

		poolShares = totalShares(pool)
		bp := Breakpoint{
			Kind:         mergedKind(fired),
			From:         exit,
			Participants: participantsFrom(pool, poolShares),
			Method:       next.method(),
			DependsOn:    []int{len(sched.Breakpoints) - 1},
			Explanation:  mergedExplanation(fired, exit, targetPrice),
		}
		for _, t := range fired {
			bp.Triggers = append(bp.Triggers, t.label)
			bp.DependsOn = appendDeps(bp.DependsOn, t.dependsOn)
			if t.firstEstimate != nil && !decimalmath.WithinTolerance(*t.firstEstimate, exit, a.tolerance) {
				sched.CriticalValues = append(sched.CriticalValues, CriticalValue{
					ExitValue: *t.firstEstimate,
					Description: fmt.Sprintf(
						"provisional crossing for %s at exit %s superseded by a rate change; resolved at %s",
						t.label, t.firstEstimate, exit),
					Triggers: []string{t.label},
				})
			}
		}
		a.appendBreakpoint(sched, bp, cum)

		if err := perShare.Extend(exit, oneOver(poolShares)); err != nil {
			return nil, &ConsistencyError{Reason: err.Error(), ExitValue: exit}
		}
		trail.Record("waterfall", "breakpoint",
			string(bp.Kind),
			audit.Dec("exit", exit), audit.Dec("perShare", targetPrice),
			audit.Dec("poolShares", poolShares), audit.Int("triggers", len(fired)))
		cur = exit
	}

	// Step 7: close the intervals; the terminal one stays open-ended and
	// allocates on a fully diluted, as-converted basis.
	for i := range sched.Breakpoints {
		if i+1 < len(sched.Breakpoints) {
			to := sched.Breakpoints[i+1].From
			sched.Breakpoints[i].To = &to
		}
	}

	if err := sched.verify(a.tolerance); err != nil {
		return nil, err
	}
	trail.Record("waterfall", "schedule-complete", "",
		audit.Int("breakpoints", len(sched.Breakpoints)),
		audit.Int("criticalValues", len(sched.CriticalValues)))
	a.logger.Debug("breakpoint schedule complete",
		zap.String("op", "waterfall.Analyze"),
		zap.Int("breakpoints", len(sched.Breakpoints)),
	)
	return sched, nil
}

// appendBreakpoint records the interval's opening cumulative payouts
// alongside the breakpoint itself.
func (a *Analyzer) appendBreakpoint(sched *Schedule, bp Breakpoint, cum map[string]decimal.Decimal) {
	opening := make(map[string]decimal.Decimal, len(cum))
	for name, val := range cum {
		opening[name] = val
	}
	sched.Breakpoints = append(sched.Breakpoints, bp)
	sched.openings = append(sched.openings, opening)
}

type tierClass struct {
	class captable.ShareClass
	pref  decimal.Decimal
}

type tier struct {
	rank    int
	classes []tierClass
}

// preferenceTiers groups preferred classes by seniority rank, most senior
// first.
func preferenceTiers(snap captable.Snapshot) []tier {
	byRank := make(map[int][]tierClass)
	for _, c := range snap.Classes {
		if c.Type != captable.ClassPreferred {
			continue
		}
		byRank[c.SeniorityRank] = append(byRank[c.SeniorityRank], tierClass{
			class: c,
			pref:  c.LiquidationPreference(snap.ValuationDate),
		})
	}
	ranks := make([]int, 0, len(byRank))
	for rank := range byRank {
		ranks = append(ranks, rank)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ranks)))

	tiers := make([]tier, 0, len(ranks))
	for _, rank := range ranks {
		tiers = append(tiers, tier{rank: rank, classes: byRank[rank]})
	}
	return tiers
}

// residualSetup builds the initial participation pool (common plus
// participating preferred) and the pending trigger list for everything that
// joins or leaves later.
func (a *Analyzer) residualSetup(snap captable.Snapshot, lpIndex map[string]int) ([]poolMember, []*trigger) {
	var pool []poolMember
	var pending []*trigger

	for _, c := range snap.Classes {
		switch {
		case c.Type == captable.ClassCommon:
			pool = append(pool, poolMember{security: c.Name, shares: c.SharesOutstanding})

		case c.Preference == captable.Participating:
			pool = append(pool, poolMember{security: c.Name, shares: c.AsConvertedShares()})

		case c.Preference == captable.NonParticipating:
			conv := c.AsConvertedShares()
			pref := c.LiquidationPreference(snap.ValuationDate)
			pending = append(pending, &trigger{
				security:  c.Name,
				kind:      KindConversion,
				label:     "conversion:" + c.Name,
				price:     pref.Div(conv),
				shares:    conv,
				dependsOn: depsFor(lpIndex, c.Name),
			})

		case c.Preference == captable.ParticipatingWithCap:
			pool = append(pool, poolMember{security: c.Name, shares: c.AsConvertedShares()})
			conv := c.AsConvertedShares()
			pref := c.LiquidationPreference(snap.ValuationDate)
			cap := c.CapAmount()
			pending = append(pending,
				&trigger{
					security:  c.Name,
					kind:      KindParticipationCap,
					label:     "participation-cap:" + c.Name,
					price:     cap.Sub(pref).Div(conv),
					leave:     true,
					dependsOn: depsFor(lpIndex, c.Name),
				},
				&trigger{
					security:  c.Name,
					kind:      KindConversion,
					label:     "conversion:" + c.Name,
					price:     cap.Div(conv),
					shares:    conv,
					dependsOn: depsFor(lpIndex, c.Name),
				})
		}
	}

	for _, g := range snap.Grants {
		pending = append(pending, &trigger{
			security: g.Name,
			kind:     KindOptionExercise,
			label:    string(g.Kind) + "-exercise:" + g.Name,
			price:    g.ExercisePrice,
			shares:   g.Count,
		})
	}

	return pool, pending
}

// nearestTrigger solves every pending trigger against the per-share payout
// function and returns the one firing at the lowest exit value.
func nearestTrigger(perShare *rootfind.Piecewise, pending []*trigger) (*trigger, decimal.Decimal, bool) {
	var best *trigger
	var bestExit decimal.Decimal
	for _, t := range pending {
		exit, ok := perShare.SolveFor(t.price)
		if !ok {
			continue
		}
		if t.firstEstimate == nil {
			est := exit
			t.firstEstimate = &est
		}
		if best == nil || exit.LessThan(bestExit) {
			best, bestExit = t, exit
		}
	}
	if best == nil {
		return nil, decimal.Zero, false
	}
	return best, bestExit, true
}

// applyTriggers fires every pending trigger whose per-share price has been
// reached (within tolerance), applying pool departures before joins, and
// returns the updated pool, the remaining pending set, and the fired
// triggers.
func applyTriggers(pool []poolMember, pending []*trigger, price, tolerance decimal.Decimal) ([]poolMember, []*trigger, []*trigger) {
	var fired, remaining []*trigger
	for _, t := range pending {
		if t.price.LessThanOrEqual(price.Add(tolerance)) {
			fired = append(fired, t)
		} else {
			remaining = append(remaining, t)
		}
	}

	// A capped class's departure and another security's join can land on
	// the same breakpoint; departures apply first so the join's pool is the
	// post-redistribution one.
	for _, t := range fired {
		if t.leave {
			pool = removeMember(pool, t.security)
		}
	}
	for _, t := range fired {
		if !t.leave {
			pool = append(pool, poolMember{security: t.security, shares: t.shares})
		}
	}
	return pool, remaining, fired
}

func removeMember(pool []poolMember, security string) []poolMember {
	out := pool[:0]
	for _, m := range pool {
		if m.security != security {
			out = append(out, m)
		}
	}
	return out
}

func totalShares(pool []poolMember) decimal.Decimal {
	total := decimal.Zero
	for _, m := range pool {
		total = total.Add(m.shares)
	}
	return total
}

func participantsFrom(pool []poolMember, total decimal.Decimal) []Participation {
	parts := make([]Participation, 0, len(pool))
	for _, m := range pool {
		parts = append(parts, Participation{
			Security: m.security,
			Shares:   m.shares,
			Percent:  decimalmath.Percentage(m.shares, total),
		})
	}
	return parts
}

func oneOver(shares decimal.Decimal) decimal.Decimal {
	if shares.IsZero() {
		return decimal.Zero
	}
	return decimal.New(1, 0).Div(shares)
}

func depsFor(lpIndex map[string]int, name string) []int {
	if idx, ok := lpIndex[name]; ok {
		return []int{idx}
	}
	return nil
}

func appendDeps(deps []int, extra []int) []int {
	for _, d := range extra {
		dup := false
		for _, existing := range deps {
			if existing == d {
				dup = true
				break
			}
		}
		if !dup {
			deps = append(deps, d)
		}
	}
	return deps
}

// mergedKind picks the reported kind for a (possibly coincident) breakpoint
// with a fixed priority: cap events first, then conversions, then option
// exercises.
func mergedKind(fired []*trigger) Kind {
	priority := map[Kind]int{
		KindParticipationCap: 0,
		KindConversion:       1,
		KindOptionExercise:   2,
	}
	best := fired[0].kind
	for _, t := range fired[1:] {
		if priority[t.kind] < priority[best] {
			best = t.kind
		}
	}
	return best
}

func mergedExplanation(fired []*trigger, exit, price decimal.Decimal) string {
	switch fired[0].kind {
	case KindParticipationCap:
		return fmt.Sprintf(
			"%s reaches its participation cap at exit %s (per-share payout %s); its share redistributes among remaining participants",
			fired[0].security, exit, price)
	case KindConversion:
		return fmt.Sprintf(
			"%s converts to common at exit %s: as-converted payout overtakes its preferred entitlement at per-share %s",
			fired[0].security, exit, price)
	case KindOptionExercise:
		return fmt.Sprintf(
			"%s exercises at exit %s: per-share payout reaches the %s exercise price; pool diluted by the treasury-method grant count, exercise proceeds net against the holder",
			fired[0].security, exit, price)
	default:
		return fmt.Sprintf("allocation changes at exit %s", exit)
	}
}

// method reports how the trigger's exit value was derived.
func (t *trigger) method() string {
	return "closed-form piecewise-linear intersection"
}
