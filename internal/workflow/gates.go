package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// GateMetrics is the validated metrics map an agent reports for a stage
// attempt. Pass/fail flags are encoded as 0 or 1.
type GateMetrics map[string]float64

// GateStatus summarizes a gate evaluation.
type GateStatus string

const (
	GatePass GateStatus = "pass"
	GateWarn GateStatus = "warn"
	GateFail GateStatus = "fail"
)

// GateViolation describes one criterion that did not hold.
type GateViolation struct {
	Metric    string  `json:"metric"`
	Threshold float64 `json:"threshold"`
	Actual    float64 `json:"actual"`
	Missing   bool    `json:"missing,omitempty"`
}

func (v GateViolation) String() string {
	if v.Missing {
		return fmt.Sprintf("%s: required metric not reported (min %g)", v.Metric, v.Threshold)
	}
	return fmt.Sprintf("%s: %g < %g", v.Metric, v.Actual, v.Threshold)
}

// GateResult is the outcome of evaluating a stage gate.
type GateResult struct {
	Status   GateStatus      `json:"status"`
	Violated []GateViolation `json:"violated,omitempty"`
	Blocking bool            `json:"blocking"`
}

// Summary renders the violated criteria for failure reports.
func (r GateResult) Summary() string {
	parts := make([]string, len(r.Violated))
	for i, v := range r.Violated {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// EvaluateGate checks the supplied metrics against the gate declared for
// target. When several criteria name the same metric the most restrictive
// threshold wins. Required criteria treat an unreported metric as a
// violation; optional criteria skip it. Soft-mode gates downgrade failures to
// a non-blocking warn.
func (m *StateMachine) EvaluateGate(target Stage, metrics GateMetrics) (GateResult, error) {
	spec, ok := m.byName[target]
	if !ok {
		return GateResult{}, fmt.Errorf("unknown stage: %s", target)
	}

	// Collapse duplicate criteria to the highest threshold. Required wins
	// over optional for the same metric.
	type rule struct {
		min      float64
		required bool
	}
	rules := make(map[string]rule)
	for _, c := range spec.Gate.Criteria {
		r, seen := rules[c.Metric]
		if !seen || c.Min > r.min {
			r.min = c.Min
		}
		r.required = r.required || c.Required
		rules[c.Metric] = r
	}

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var violated []GateViolation
	for _, name := range names {
		r := rules[name]
		actual, reported := metrics[name]
		if !reported {
			if r.required {
				violated = append(violated, GateViolation{Metric: name, Threshold: r.min, Missing: true})
			}
			continue
		}
		if actual < r.min {
			violated = append(violated, GateViolation{Metric: name, Threshold: r.min, Actual: actual})
		}
	}

	if len(violated) == 0 {
		return GateResult{Status: GatePass}, nil
	}
	if spec.Gate.Mode == GateModeSoft {
		return GateResult{Status: GateWarn, Violated: violated, Blocking: false}, nil
	}
	return GateResult{Status: GateFail, Violated: violated, Blocking: true}, nil
}
