// Package planner defines the ModelPlanner boundary: the interface every
// out-of-scope model adapter (Anthropic, OpenAI, Ollama, ...) satisfies to
// drive the Concept Sandbox's S1/S2 loops and the Maintenance Pipeline's
// five stages. This module owns no vendor SDK; it ships one deterministic,
// offline implementation used by tests and as a safe default. Adapted from
// the provider-shortcut constructor pattern this module is grounded on,
// generalized from one constructor per vendor to a single interface no
// vendor SDK needs to be imported here to satisfy.
package planner

import (
	"context"
	"sync"
)

// Request is one stage prompt.
type Request struct {
	// Stage identifies the caller's stage for logging (e.g. "s1_nav",
	// "question_output"). Opaque to the planner.
	Stage string
	Prompt string
}

// Response is a stage's raw text output, interpreted by the caller
// (newline-separated paths, structured text, etc. depending on stage).
type Response struct {
	Output string
}

// ModelPlanner is the boundary every model adapter implements.
type ModelPlanner interface {
	Plan(ctx context.Context, req Request) (Response, error)
}

// Deterministic is an offline ModelPlanner that replays a fixed, ordered
// sequence of canned responses per stage — one per call to that stage —
// and returns an empty Response (loop termination) once a stage's queue is
// exhausted. Used directly by sandbox and maintenance tests to drive
// specific seed scenarios without a live model; queues are keyed by stage
// so a caller with several independent stage loops (S1 vs S2, or the five
// maintenance stages) does not have one loop's extra round consume a
// response meant for another stage.
type Deterministic struct {
	mu     sync.Mutex
	queues map[string][]string
	calls  map[string]int
}

// NewDeterministic builds a Deterministic planner from a stage → ordered
// responses map.
func NewDeterministic(byStage map[string][]string) *Deterministic {
	queues := make(map[string][]string, len(byStage))
	for stage, responses := range byStage {
		queues[stage] = append([]string(nil), responses...)
	}
	return &Deterministic{queues: queues, calls: make(map[string]int)}
}

// Single builds a Deterministic planner where every stage shares the same
// response queue, for callers that only drive one stage.
func Single(responses ...string) *Deterministic {
	return NewDeterministic(map[string][]string{"": responses})
}

// Plan returns the next canned response for req.Stage, falling back to the
// shared "" queue if no stage-specific queue was registered.
func (d *Deterministic) Plan(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	stage := req.Stage
	if _, ok := d.queues[stage]; !ok {
		stage = ""
	}
	queue := d.queues[stage]
	n := d.calls[stage]
	if n >= len(queue) {
		return Response{}, nil
	}
	d.calls[stage] = n + 1
	return Response{Output: queue[n]}, nil
}

// Calls reports how many times Plan has been invoked for stage.
func (d *Deterministic) Calls(stage string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[stage]
}
