// Package audit records an ordered, per-run log of named computation steps
// with enough input/output detail to reconstruct every number the engine
// produces. A Trail is scoped to exactly one analysis run and passed
// explicitly; concurrent scenario evaluations each receive their own child
// trail, merged deterministically after the workers join, so parallel runs
// can never interleave entries.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Step is one recorded computation step.
type Step struct {
	Seq       int               `json:"seq" yaml:"seq"`
	Scope     string            `json:"scope" yaml:"scope"`
	Component string            `json:"component" yaml:"component"`
	Name      string            `json:"name" yaml:"name"`
	Detail    string            `json:"detail,omitempty" yaml:"detail,omitempty"`
	Values    map[string]string `json:"values,omitempty" yaml:"values,omitempty"`
}

// Trail is the ordered audit log for one analysis run. It is not safe for
// concurrent use; spawn a Child per goroutine and Merge after joining.
type Trail struct {
	RunID     string    `json:"runId" yaml:"runId"`
	Scope     string    `json:"scope" yaml:"scope"`
	StartedAt time.Time `json:"startedAt" yaml:"startedAt"`
	steps     []Step
}

// New creates a trail for a fresh analysis run.
func New() *Trail {
	return &Trail{
		RunID:     uuid.NewString(),
		Scope:     "run",
		StartedAt: time.Now().UTC(),
	}
}

// Child creates a trail sharing this trail's run id but scoped to a
// sub-computation, typically one scenario.
func (t *Trail) Child(scope string) *Trail {
	return &Trail{RunID: t.RunID, Scope: scope, StartedAt: t.StartedAt}
}

// Record appends a step. Values are rendered with the provided helpers so
// decimals are captured exactly, never through float formatting.
func (t *Trail) Record(component, name, detail string, values ...Value) {
	step := Step{
		Seq:       len(t.steps) + 1,
		Scope:     t.Scope,
		Component: component,
		Name:      name,
		Detail:    detail,
	}
	if len(values) > 0 {
		step.Values = make(map[string]string, len(values))
		for _, v := range values {
			step.Values[v.Key] = v.Val
		}
	}
	t.steps = append(t.steps, step)
}

// Merge appends another trail's steps in their recorded order, renumbering
// sequence ids to stay strictly increasing within this trail.
func (t *Trail) Merge(other *Trail) {
	if other == nil {
		return
	}
	for _, step := range other.steps {
		step.Seq = len(t.steps) + 1
		t.steps = append(t.steps, step)
	}
}

// Steps returns a copy of the recorded steps in order.
func (t *Trail) Steps() []Step {
	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

// Len returns the number of recorded steps.
func (t *Trail) Len() int {
	return len(t.steps)
}

// Find returns the first step matching component and name, for test
// assertions on intermediate derivations.
func (t *Trail) Find(component, name string) (Step, bool) {
	for _, step := range t.steps {
		if step.Component == component && step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}

// Value is one recorded key/value pair.
type Value struct {
	Key string
	Val string
}

// Dec records a decimal value exactly.
func Dec(key string, d decimal.Decimal) Value {
	return Value{Key: key, Val: d.String()}
}

// Str records a string value.
func Str(key, val string) Value {
	return Value{Key: key, Val: val}
}

// Int records an integer value.
func Int(key string, i int) Value {
	return Value{Key: key, Val: decimal.NewFromInt(int64(i)).String()}
}
