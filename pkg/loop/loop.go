// Package loop implements the per-SID Loop Controller: a retry counter and
// history log that agents consult before and after each stage, persisted
// to loop_state.json and backed by the Reflexion Store on blocking
// failures.
package loop

import (
	"errors"
	"fmt"
	"time"

	"github.com/vulnforge/vulnforge/pkg/reflexion"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// ErrLoopExhausted is returned by StartLoop when current_loop is already at
// max_loops.
var ErrLoopExhausted = errors.New("loop: exhausted")

// ErrNoActiveLoop is returned by RecordSuccess/RecordFailure when called
// before a matching StartLoop: fatal, not retryable.
var ErrNoActiveLoop = errors.New("loop: record called without an active loop")

// Result mirrors loop_state.last_result's tri-state (success, failure, or
// unset before any loop has completed).
type Result string

// Loop outcomes.
const (
	ResultNone    Result = ""
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// HistoryEntry is one loop_state.json history record.
type HistoryEntry struct {
	Loop      int            `json:"loop"`
	Stage     string         `json:"stage"`
	Success   bool           `json:"success"`
	Blocking  bool           `json:"blocking"`
	Reason    string         `json:"reason,omitempty"`
	FixHint   string         `json:"fix_hint,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// State is the on-disk shape of loop_state.json.
type State struct {
	SID         string         `json:"sid"`
	MaxLoops    int            `json:"max_loops"`
	CurrentLoop int            `json:"current_loop"`
	History     []HistoryEntry `json:"history"`
	LastResult  Result         `json:"last_result"`

	active bool // true between StartLoop and the matching RecordSuccess/RecordFailure
}

// Controller is the Loop Controller for exactly one SID.
type Controller struct {
	sid       string
	path      string
	reflexion *reflexion.Store
	state     State
}

// NewController loads (or initializes) the loop state for sid from path,
// recording future failures into refl.
func NewController(sid string, path string, maxLoops int, refl *reflexion.Store) (*Controller, error) {
	c := &Controller{sid: sid, path: path, reflexion: refl}
	if store.Exists(path) {
		var s State
		if err := store.ReadJSON(path, &s); err != nil {
			return nil, fmt.Errorf("loop: load state for %s: %w", sid, err)
		}
		c.state = s
		return c, nil
	}
	c.state = State{SID: sid, MaxLoops: maxLoops, CurrentLoop: 0, LastResult: ResultNone}
	return c, c.persist()
}

func (c *Controller) persist() error {
	return store.WriteJSON(c.path, c.state)
}

// CurrentLoop returns the current loop counter.
func (c *Controller) CurrentLoop() int { return c.state.CurrentLoop }

// LastResult returns the most recently recorded result.
func (c *Controller) LastResult() Result { return c.state.LastResult }

// History returns the accumulated history entries.
func (c *Controller) History() []HistoryEntry { return c.state.History }

// Active reports whether a StartLoop call is currently awaiting its
// matching RecordSuccess/RecordFailure, so a later stage sharing this
// Controller within the same iteration (e.g. Reviewer following Generator)
// can tell whether it must open its own loop or ride the active one.
func (c *Controller) Active() bool { return c.state.active }

// StartLoop increments current_loop if below max_loops, else returns
// ErrLoopExhausted. Must be called exactly once per iteration before
// recording an outcome.
func (c *Controller) StartLoop() error {
	if c.state.CurrentLoop >= c.state.MaxLoops {
		return fmt.Errorf("%w: sid=%s current_loop=%d max_loops=%d", ErrLoopExhausted, c.sid, c.state.CurrentLoop, c.state.MaxLoops)
	}
	c.state.CurrentLoop++
	c.state.active = true
	return c.persist()
}

// RecordSuccess appends a success entry for stage and sets last_result.
func (c *Controller) RecordSuccess(stage string, metadata map[string]any) error {
	if !c.state.active {
		return ErrNoActiveLoop
	}
	c.state.History = append(c.state.History, HistoryEntry{
		Loop: c.state.CurrentLoop, Stage: stage, Success: true,
		Timestamp: time.Now().UTC(), Metadata: metadata,
	})
	c.state.LastResult = ResultSuccess
	c.state.active = false
	return c.persist()
}

// RecordFailure appends a failure entry for stage, recording it in the
// Reflexion Store when blocking is true.
func (c *Controller) RecordFailure(stage string, blocking bool, reason, fixHint string, metadata map[string]any) error {
	if !c.state.active {
		return ErrNoActiveLoop
	}
	entry := HistoryEntry{
		Loop: c.state.CurrentLoop, Stage: stage, Success: false, Blocking: blocking,
		Reason: reason, FixHint: fixHint, Timestamp: time.Now().UTC(), Metadata: metadata,
	}
	c.state.History = append(c.state.History, entry)
	c.state.LastResult = ResultFailure
	c.state.active = false

	if blocking && c.reflexion != nil {
		if err := c.reflexion.Append(reflexion.Record{
			SID: c.sid, LoopCount: c.state.CurrentLoop, Stage: stage,
			Reason: reason, RemediationHint: fixHint, Blocking: true,
			Metadata: metadata, Timestamp: entry.Timestamp,
		}); err != nil {
			return fmt.Errorf("loop: append reflexion record: %w", err)
		}
	}
	return c.persist()
}

// ShouldContinue reports true iff last_result is failure and current_loop
// is below max_loops, or no loop has started yet.
func (c *Controller) ShouldContinue() bool {
	if c.state.LastResult == ResultNone {
		return true
	}
	return c.state.LastResult == ResultFailure && c.state.CurrentLoop < c.state.MaxLoops
}

// Exhausted reports whether current_loop has reached max_loops with an
// unresolved failure.
func (c *Controller) Exhausted() bool {
	return c.state.CurrentLoop >= c.state.MaxLoops && c.state.LastResult == ResultFailure
}
