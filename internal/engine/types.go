package engine

import (
	"strconv"

	"github.com/TimurManjosov/goautorun/internal/logic"
	"github.com/TimurManjosov/goautorun/internal/rules"
)

// StepResult is the outcome of one execution position as seen by later conditions.
// A timed-out or skipped step is never successful.
type StepResult struct {
	Position int    `json:"position"`
	Module   string `json:"module"`
	Success  bool   `json:"success"`
	Data     any    `json:"data,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
}

func (r StepResult) doc() map[string]any {
	return map[string]any{
		"position":  r.Position,
		"module":    r.Module,
		"success":   r.Success,
		"data":      r.Data,
		"timed_out": r.TimedOut,
		"skipped":   r.Skipped,
	}
}

// ChainState accumulates the results of one chain execution. It is owned by a
// single execution and is not safe for concurrent use.
type ChainState struct {
	SessionID   string
	Fingerprint rules.Fingerprint

	previous *StepResult
	results  map[int]StepResult
	byModule map[string]StepResult
}

func NewChainState(sessionID string, fp rules.Fingerprint) *ChainState {
	return &ChainState{
		SessionID:   sessionID,
		Fingerprint: fp,
		results:     make(map[int]StepResult),
		byModule:    make(map[string]StepResult),
	}
}

// Record stores r as the latest result.
func (s *ChainState) Record(r StepResult) {
	s.results[r.Position] = r
	s.byModule[r.Module] = r
	s.previous = &r
}

// Previous returns the most recently recorded result.
func (s *ChainState) Previous() (StepResult, bool) {
	if s.previous == nil {
		return StepResult{}, false
	}
	return *s.previous, true
}

// Data renders the evaluation document for conditions.
func (s *ChainState) Data() logic.Data {
	results := make(map[string]any, len(s.results))
	for pos, r := range s.results {
		results[strconv.Itoa(pos)] = r.doc()
	}
	modules := make(map[string]any, len(s.byModule))
	for name, r := range s.byModule {
		modules[name] = r.doc()
	}
	var previous any
	if s.previous != nil {
		previous = s.previous.doc()
	}
	return logic.Data{
		"fingerprint": s.Fingerprint.Map(),
		"session":     map[string]any{"id": s.SessionID},
		"previous":    previous,
		"results":     results,
		"modules":     modules,
	}
}
