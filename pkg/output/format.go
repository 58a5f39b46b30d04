// Package output provides utilities for formatting and displaying
// breakpoint schedules and valuation results. All decimal-to-float
// conversion happens here, at the display boundary, through
// decimalmath.ToDisplay.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/opencaptable/waterfall/internal/scenario"
	"github.com/opencaptable/waterfall/internal/waterfall"
	"github.com/opencaptable/waterfall/pkg/decimalmath"
)

// Formats accepted by the CLI and the output config section.
const (
	FormatPretty = "pretty"
	FormatCSV    = "csv"
	FormatJSON   = "json"
)

// ValidateFormat checks an output format name.
func ValidateFormat(format string) error {
	switch format {
	case FormatPretty, FormatCSV, FormatJSON:
		return nil
	}
	return fmt.Errorf("invalid output format: %s (want pretty, csv, or json)", format)
}

// PrettyFormat outputs a human-readable rather than machine-readable view
// of the breakpoint schedule and, when present, the valuation result.
func PrettyFormat(w io.Writer, sched *waterfall.Schedule, result *scenario.AllocationResult) {
	p := message.NewPrinter(language.English)

	fmt.Fprintf(w, "--- Breakpoint schedule ---\n")
	fmt.Fprintf(w, "#  | Kind                             | From          | To            | Participants\n")
	fmt.Fprintf(w, "__ | ____                             | ____          | __            | ____________\n")
	for i, bp := range sched.Breakpoints {
		to := "open"
		if bp.To != nil {
			to = p.Sprintf("$%.2f", decimalmath.ToDisplay(*bp.To))
		}
		parts := make([]string, 0, len(bp.Participants))
		for _, part := range bp.Participants {
			parts = append(parts, p.Sprintf("%s %.4f%%", part.Security, decimalmath.PercentToDisplay(part.Percent)))
		}
		_, _ = p.Fprintf(w, "%2d | %-32s | $%.2f | %s | %s\n",
			i, bp.Kind, decimalmath.ToDisplay(bp.From), to, strings.Join(parts, ", "))
	}
	for _, bp := range sched.Breakpoints {
		if bp.Explanation != "" {
			fmt.Fprintf(w, "  - %s\n", bp.Explanation)
		}
	}
	for _, cv := range sched.CriticalValues {
		_, _ = p.Fprintf(w, "  ~ critical value $%.2f: %s\n", decimalmath.ToDisplay(cv.ExitValue), cv.Description)
	}

	if result == nil {
		return
	}
	fmt.Fprintf(w, "\n--- Fair values ---\n")
	fmt.Fprintf(w, "Security | Blended value\n")
	fmt.Fprintf(w, "________ | _____________\n")
	for _, name := range sortedSecurities(result) {
		_, _ = p.Fprintf(w, "%s | $%.2f\n", name, decimalmath.ToDisplay(result.PerSecurity[name]))
	}
}

// CsvFormat outputs the valuation in comma-separated value format, one row
// per security with a column per scenario plus the blended value.
func CsvFormat(w io.Writer, result *scenario.AllocationResult) {
	scenarios := make([]string, 0, len(result.PerScenario))
	for id := range result.PerScenario {
		scenarios = append(scenarios, id)
	}
	sort.Strings(scenarios)

	fmt.Fprintf(w, `"security"`)
	for _, id := range scenarios {
		fmt.Fprintf(w, `,"value (%s)"`, id)
	}
	fmt.Fprintf(w, ",\"blended\"\n")
	for _, name := range sortedSecurities(result) {
		fmt.Fprintf(w, `"%s"`, name)
		for _, id := range scenarios {
			fmt.Fprintf(w, `,"%.2f"`, decimalmath.ToDisplay(result.PerScenario[id][name]))
		}
		fmt.Fprintf(w, ",\"%.2f\"\n", decimalmath.ToDisplay(result.PerSecurity[name]))
	}
}

// jsonSchedule mirrors the schedule with display-friendly numerics.
type jsonSchedule struct {
	Breakpoints    []jsonBreakpoint    `json:"breakpoints"`
	CriticalValues []jsonCriticalValue `json:"criticalValues,omitempty"`
}

type jsonBreakpoint struct {
	Kind         string            `json:"kind"`
	From         float64           `json:"from"`
	To           *float64          `json:"to,omitempty"`
	Participants []jsonParticipant `json:"participants"`
	Triggers     []string          `json:"triggers,omitempty"`
	Explanation  string            `json:"explanation"`
	Method       string            `json:"method"`
	DependsOn    []int             `json:"dependsOn,omitempty"`
}

type jsonParticipant struct {
	Security string  `json:"security"`
	Percent  float64 `json:"percent"`
}

type jsonCriticalValue struct {
	ExitValue   float64  `json:"exitValue"`
	Description string   `json:"description"`
	Triggers    []string `json:"triggers,omitempty"`
}

type jsonResult struct {
	Schedule    *jsonSchedule                 `json:"schedule,omitempty"`
	PerSecurity map[string]float64            `json:"perSecurity,omitempty"`
	PerScenario map[string]map[string]float64 `json:"perScenario,omitempty"`
	RunID       string                        `json:"runId,omitempty"`
}

// JSONFormat outputs the schedule and valuation as indented JSON for
// machine consumption.
func JSONFormat(w io.Writer, sched *waterfall.Schedule, result *scenario.AllocationResult) error {
	payload := jsonResult{}

	if sched != nil {
		js := &jsonSchedule{}
		for _, bp := range sched.Breakpoints {
			row := jsonBreakpoint{
				Kind:        string(bp.Kind),
				From:        decimalmath.ToDisplay(bp.From),
				Triggers:    bp.Triggers,
				Explanation: bp.Explanation,
				Method:      bp.Method,
				DependsOn:   bp.DependsOn,
			}
			if bp.To != nil {
				to := decimalmath.ToDisplay(*bp.To)
				row.To = &to
			}
			for _, part := range bp.Participants {
				row.Participants = append(row.Participants, jsonParticipant{
					Security: part.Security,
					Percent:  decimalmath.PercentToDisplay(part.Percent),
				})
			}
			js.Breakpoints = append(js.Breakpoints, row)
		}
		for _, cv := range sched.CriticalValues {
			js.CriticalValues = append(js.CriticalValues, jsonCriticalValue{
				ExitValue:   decimalmath.ToDisplay(cv.ExitValue),
				Description: cv.Description,
				Triggers:    cv.Triggers,
			})
		}
		payload.Schedule = js
	}

	if result != nil {
		payload.PerSecurity = make(map[string]float64, len(result.PerSecurity))
		for name, value := range result.PerSecurity {
			payload.PerSecurity[name] = decimalmath.ToDisplay(value)
		}
		payload.PerScenario = make(map[string]map[string]float64, len(result.PerScenario))
		for id, values := range result.PerScenario {
			row := make(map[string]float64, len(values))
			for name, value := range values {
				row[name] = decimalmath.ToDisplay(value)
			}
			payload.PerScenario[id] = row
		}
		if result.Trail != nil {
			payload.RunID = result.Trail.RunID
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func sortedSecurities(result *scenario.AllocationResult) []string {
	names := make([]string, 0, len(result.PerSecurity))
	for name := range result.PerSecurity {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
