// Package statemachine implements the fixed PLAN→DRAFT→BUILD→RUN→VERIFY→
// REVIEW→PACK transition table that drives one SID through its stages.
package statemachine

import (
	"errors"
	"fmt"
)

// State is one stage of the pipeline.
type State string

// Pipeline states.
const (
	Plan   State = "PLAN"
	Draft  State = "DRAFT"
	Build  State = "BUILD"
	Run    State = "RUN"
	Verify State = "VERIFY"
	Review State = "REVIEW"
	Pack   State = "PACK"
)

// ErrInvalidTransition is returned for any transition not in the table.
var ErrInvalidTransition = errors.New("statemachine: invalid transition")

// transitions is the complete adjacency table. PACK is terminal.
var transitions = map[State][]State{
	Plan:   {Draft},
	Draft:  {Build, Review},
	Build:  {Run},
	Run:    {Verify},
	Verify: {Pack, Review},
	Review: {Draft, Pack},
	Pack:   {},
}

// Transition returns nil if from→to is a legal edge, else ErrInvalidTransition.
func Transition(from, to State) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsTerminal reports whether s has no outgoing edges.
func IsTerminal(s State) bool {
	return len(transitions[s]) == 0
}

// Machine tracks the current state for one SID and enforces legal
// transitions through Advance.
type Machine struct {
	sid     string
	current State
}

// NewMachine starts a Machine for sid at PLAN.
func NewMachine(sid string) *Machine {
	return &Machine{sid: sid, current: Plan}
}

// Current returns the machine's current state.
func (m *Machine) Current() State { return m.current }

// Advance moves the machine to to, or returns ErrInvalidTransition leaving
// the current state unchanged.
func (m *Machine) Advance(to State) error {
	if err := Transition(m.current, to); err != nil {
		return fmt.Errorf("sid=%s: %w", m.sid, err)
	}
	m.current = to
	return nil
}
