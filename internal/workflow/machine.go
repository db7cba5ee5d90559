package workflow

import (
	"fmt"
)

// InvalidTransitionError reports a requested transition that is not an edge
// of the stage graph.
type InvalidTransitionError struct {
	From Stage
	To   Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// StateMachine holds the declared stage graph and answers legality and gate
// questions. It keeps no history; callers persist outcomes.
type StateMachine struct {
	specs  []StageSpec
	byName map[Stage]*StageSpec
}

// NewStateMachine builds a machine from the declared stage specs. The spec
// list must be non-empty and free of duplicate names.
func NewStateMachine(specs []StageSpec) (*StateMachine, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}

	m := &StateMachine{
		specs:  specs,
		byName: make(map[Stage]*StageSpec, len(specs)),
	}
	for i := range specs {
		spec := &specs[i]
		if spec.Name == "" {
			return nil, fmt.Errorf("stage %d has no name", i)
		}
		if _, dup := m.byName[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate stage: %s", spec.Name)
		}
		m.byName[spec.Name] = spec
	}

	// Every edge must point at a declared stage.
	for _, spec := range specs {
		for _, next := range spec.Next {
			if _, ok := m.byName[next]; !ok {
				return nil, fmt.Errorf("stage %s: unknown next stage %s", spec.Name, next)
			}
		}
		if spec.Rollback != "" {
			if _, ok := m.byName[spec.Rollback]; !ok {
				return nil, fmt.Errorf("stage %s: unknown rollback stage %s", spec.Name, spec.Rollback)
			}
		}
	}

	return m, nil
}

// First returns the entry stage of the graph.
func (m *StateMachine) First() Stage {
	return m.specs[0].Name
}

// Spec returns the declaration for a stage, or nil for unknown stages.
func (m *StateMachine) Spec(stage Stage) *StageSpec {
	return m.byName[stage]
}

// Stages returns the declared stages in order.
func (m *StateMachine) Stages() []Stage {
	out := make([]Stage, len(m.specs))
	for i, s := range m.specs {
		out[i] = s.Name
	}
	return out
}

// CanTransition reports whether target is reachable from current, either as a
// forward edge or as the declared rollback edge.
func (m *StateMachine) CanTransition(current, target Stage) bool {
	spec, ok := m.byName[current]
	if !ok {
		return false
	}
	for _, next := range spec.Next {
		if next == target {
			return true
		}
	}
	return spec.Rollback == target
}

// NextStage returns the designated forward successor of current. Stages with
// no forward edge (the terminal stage) return an InvalidTransitionError.
func (m *StateMachine) NextStage(current Stage) (Stage, error) {
	spec, ok := m.byName[current]
	if !ok {
		return "", &InvalidTransitionError{From: current}
	}
	if len(spec.Next) == 0 {
		return "", &InvalidTransitionError{From: current}
	}
	return spec.Next[0], nil
}
