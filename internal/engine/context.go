package engine

import (
	"fmt"
	"sync"
)

// StageContext is the run-scoped accumulator mapping stage name to stage
// output. It is owned by one run and never shared across runs. Writes are
// append-only: a name is written at most once, by the scheduler, before
// any dependent stage is dispatched.
type StageContext struct {
	runID string
	input ApplicationInput

	mu      sync.RWMutex
	outputs map[string]interface{}
}

// NewStageContext creates an empty context for one run. Outside the
// orchestrator this is only useful for exercising stages in isolation.
func NewStageContext(runID string, input ApplicationInput) *StageContext {
	return &StageContext{
		runID:   runID,
		input:   input,
		outputs: make(map[string]interface{}),
	}
}

func (sc *StageContext) RunID() string { return sc.runID }

// Input returns the immutable per-request description.
func (sc *StageContext) Input() ApplicationInput { return sc.input }

// Output returns the published output of a completed stage.
func (sc *StageContext) Output(stage string) (interface{}, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	v, ok := sc.outputs[stage]
	return v, ok
}

// Outputs returns a copy of everything published so far, for aggregation
// and for RunFailure diagnostics.
func (sc *StageContext) Outputs() map[string]interface{} {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make(map[string]interface{}, len(sc.outputs))
	for k, v := range sc.outputs {
		out[k] = v
	}
	return out
}

// Publish records a stage's output. Each name is written at most once;
// in a run the scheduler is the only caller.
func (sc *StageContext) Publish(stage string, output interface{}) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, exists := sc.outputs[stage]; exists {
		return fmt.Errorf("stage %q output published twice", stage)
	}
	sc.outputs[stage] = output
	return nil
}
