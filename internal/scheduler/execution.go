package scheduler

import (
	"sync"
	"time"

	"github.com/TimurManjosov/goautorun/internal/rules"
)

// State is the position of an execution in its state machine.
type State string

const (
	StateIdle           State = "idle"
	StateWaiting        State = "waiting"
	StateDispatched     State = "dispatched"
	StateAwaitingResult State = "awaiting_result"
	StateAdvancing      State = "advancing"
	StateSkipping       State = "skipping"
	StateAborted        State = "aborted"
	StateDone           State = "done"
)

// Terminal reports whether s is done or aborted.
func (s State) Terminal() bool { return s == StateDone || s == StateAborted }

// StepStatus is the outcome of one execution position.
type StepStatus string

const (
	StepCompleted StepStatus = "completed" // result reported, success
	StepFailed    StepStatus = "failed"    // result reported, failure
	StepTimedOut  StepStatus = "timed_out"
	StepSkipped   StepStatus = "skipped"
	StepRejected  StepStatus = "rejected" // module registry or dispatch refused the step
	StepAbandoned StepStatus = "abandoned"
)

// Step records what happened at one execution position.
type Step struct {
	Position   int        `json:"position"`
	Module     string     `json:"module"`
	CommandID  string     `json:"command_id,omitempty"`
	Status     StepStatus `json:"status"`
	Success    bool       `json:"success"`
	Data       any        `json:"data,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`

	err error
}

// Outcome is the final result of an execution.
type Outcome struct {
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Err        error     `json:"-"`
	FinishedAt time.Time `json:"finished_at"`
}

// Execution is one (session, rule) chain instance. All methods are safe for concurrent use.
type Execution struct {
	ID        string
	SessionID string
	RuleID    string
	RuleName  string
	ChainMode rules.ChainMode
	StartedAt time.Time

	mu      sync.Mutex
	state   State
	steps   []Step
	outcome Outcome
	done    chan struct{}
}

func newExecution(id, sessionID string, rule rules.Rule) *Execution {
	return &Execution{
		ID:        id,
		SessionID: sessionID,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		ChainMode: rule.ChainMode,
		StartedAt: time.Now().UTC(),
		state:     StateIdle,
		done:      make(chan struct{}),
	}
}

func (x *Execution) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Steps returns a copy of the recorded steps in execution order.
func (x *Execution) Steps() []Step {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Step, len(x.steps))
	copy(out, x.steps)
	return out
}

// Done is closed when the execution reaches done or aborted.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Outcome returns the final outcome once Done is closed.
func (x *Execution) Outcome() (Outcome, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.outcome, x.state.Terminal()
}

func (x *Execution) setState(s State) {
	x.mu.Lock()
	if !x.state.Terminal() {
		x.state = s
	}
	x.mu.Unlock()
}

func (x *Execution) addStep(s Step) {
	x.mu.Lock()
	x.steps = append(x.steps, s)
	x.mu.Unlock()
}

// finish moves x to a terminal state once; later calls report false.
func (x *Execution) finish(state State, err error) bool {
	x.mu.Lock()
	if x.state.Terminal() {
		x.mu.Unlock()
		return false
	}
	x.state = state
	x.outcome = Outcome{State: state, Err: err, FinishedAt: time.Now().UTC()}
	if err != nil {
		x.outcome.Reason = err.Error()
	}
	x.mu.Unlock()
	close(x.done)
	return true
}

// View is the JSON form of an execution.
type View struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	RuleID     string          `json:"rule_id"`
	RuleName   string          `json:"rule_name"`
	ChainMode  rules.ChainMode `json:"chain_mode"`
	State      State           `json:"state"`
	Reason     string          `json:"reason,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Steps      []Step          `json:"steps"`
}

func (x *Execution) View() View {
	x.mu.Lock()
	defer x.mu.Unlock()
	v := View{
		ID:        x.ID,
		SessionID: x.SessionID,
		RuleID:    x.RuleID,
		RuleName:  x.RuleName,
		ChainMode: x.ChainMode,
		State:     x.state,
		Reason:    x.outcome.Reason,
		StartedAt: x.StartedAt,
		Steps:     make([]Step, len(x.steps)),
	}
	copy(v.Steps, x.steps)
	if x.state.Terminal() {
		at := x.outcome.FinishedAt
		v.FinishedAt = &at
	}
	return v
}
