package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TimurManjosov/goautorun/internal/engine"
	"github.com/TimurManjosov/goautorun/internal/fault"
	"github.com/TimurManjosov/goautorun/internal/modules"
	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/TimurManjosov/goautorun/internal/session"
	"github.com/TimurManjosov/goautorun/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const (
	DefaultStepTimeout        = 30 * time.Second
	DefaultMaxDispatchRetries = 5
)

// ErrShutdown is the abort cause for executions interrupted by Close.
var ErrShutdown = errors.New("scheduler shut down")

// Dispatcher is the session-facing side of the dispatch channel. *session.Registry implements it.
type Dispatcher interface {
	Enqueue(sessionID string, cmd session.Command) (session.Command, <-chan session.Result, error)
	Abandon(sessionID, commandID string)
	PollSignal(sessionID string) (<-chan struct{}, error)
	Context(sessionID string) (context.Context, error)
	Fingerprint(sessionID string) (rules.Fingerprint, error)
}

// Config tunes a Scheduler. Zero values select defaults.
type Config struct {
	StepTimeout        time.Duration
	MaxDispatchRetries int
	Invoker            modules.Invoker
	// OnComplete is called once per execution after it reaches done or aborted.
	OnComplete func(*Execution)
}

// Scheduler runs chain executions. Each execution is an independent goroutine;
// executions never share mutable state with each other.
type Scheduler struct {
	d      Dispatcher
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     conc.WaitGroup

	mu        sync.Mutex
	bySession map[string][]*Execution
	closed    bool
}

func New(d Dispatcher, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.MaxDispatchRetries < 0 {
		cfg.MaxDispatchRetries = 0
	} else if cfg.MaxDispatchRetries == 0 {
		cfg.MaxDispatchRetries = DefaultMaxDispatchRetries
	}
	if cfg.Invoker == nil {
		cfg.Invoker = modules.Passthrough{}
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Scheduler{
		d:         d,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		bySession: make(map[string][]*Execution),
	}
}

// Run starts executing rule against the session and returns immediately.
func (s *Scheduler) Run(sessionID string, rule rules.Rule) (*Execution, error) {
	sctx, err := s.d.Context(sessionID)
	if err != nil {
		return nil, err
	}
	fp, err := s.d.Fingerprint(sessionID)
	if err != nil {
		return nil, err
	}

	x := newExecution(uuid.NewString(), sessionID, rule)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	s.bySession[sessionID] = append(s.bySession[sessionID], x)
	s.mu.Unlock()

	telemetry.ExecutionsActive.Inc()
	s.wg.Go(func() {
		var pc panics.Catcher
		pc.Try(func() { s.execute(sctx, x, rule, fp) })
		if r := pc.Recovered(); r != nil {
			s.logger.Error().Str("execution", x.ID).Str("panic", r.String()).Msg("execution panicked")
			s.complete(x, StateAborted, r.AsError())
		}
	})
	return x, nil
}

// Executions returns every execution started for sessionID, oldest first.
func (s *Scheduler) Executions(sessionID string) []*Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Execution, len(s.bySession[sessionID]))
	copy(out, s.bySession[sessionID])
	return out
}

// Forget drops the execution history of a removed session.
func (s *Scheduler) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.bySession, sessionID)
	s.mu.Unlock()
}

// Close aborts running executions and waits for them to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel(ErrShutdown)
	s.wg.Wait()
}

func (s *Scheduler) execute(sctx context.Context, x *Execution, rule rules.Rule, fp rules.Fingerprint) {
	ctx, cancel := context.WithCancelCause(sctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	defer stop()

	log := s.logger.With().Str("execution", x.ID).Str("session", x.SessionID).Str("rule", rule.ID).Logger()
	log.Debug().Str("chain_mode", string(rule.ChainMode)).Int("steps", len(rule.ExecutionOrder)).Msg("execution started")

	state := engine.NewChainState(x.SessionID, fp)
	for k, idx := range rule.ExecutionOrder {
		mod := rule.Modules[idx]

		x.setState(StateWaiting)
		// step boundary
		if err := sleep(ctx, rule.Delay(k)); err != nil {
			s.abort(x, context.Cause(ctx), log)
			return
		}

		run, err := engine.EvaluateCondition(mod.Condition, state)
		if err != nil {
			log.Warn().Err(err).Int("position", k).Str("module", mod.Name).Msg("condition error, skipping step")
		}
		if !run {
			x.setState(StateSkipping)
			now := time.Now().UTC()
			x.addStep(Step{Position: k, Module: mod.Name, Status: StepSkipped, StartedAt: now, FinishedAt: now})
			if rule.ChainMode == rules.ChainConditional {
				state.Record(engine.StepResult{Position: k, Module: mod.Name, Skipped: true})
			}
			telemetry.Steps.WithLabelValues(string(StepSkipped)).Inc()
			continue
		}

		step := s.runStep(ctx, x, k, mod, log)
		x.addStep(step)
		if step.Status == StepAbandoned {
			s.abort(x, step.err, log)
			return
		}
		state.Record(engine.StepResult{
			Position: k,
			Module:   mod.Name,
			Success:  step.Success,
			Data:     step.Data,
			TimedOut: step.Status == StepTimedOut,
		})
		telemetry.Steps.WithLabelValues(string(step.Status)).Inc()
		x.setState(StateAdvancing)
	}

	log.Info().Int("steps", len(rule.ExecutionOrder)).Msg("execution done")
	s.complete(x, StateDone, nil)
}

// runStep dispatches one module and waits for its result. Failures scoped to the
// step are reported in the returned Step; StepAbandoned means ctx ended mid-step.
func (s *Scheduler) runStep(ctx context.Context, x *Execution, k int, mod rules.ModuleStep, log zerolog.Logger) Step {
	step := Step{Position: k, Module: mod.Name, StartedAt: time.Now().UTC()}
	finish := func(status StepStatus, err error) Step {
		step.Status = status
		step.FinishedAt = time.Now().UTC()
		if err != nil {
			step.Error = err.Error()
			step.err = err
		}
		return step
	}

	inv, err := s.cfg.Invoker.Prepare(ctx, mod.Name, mod.Options, x.SessionID)
	if err != nil {
		log.Warn().Err(err).Int("position", k).Str("module", mod.Name).Msg("module rejected step")
		return finish(StepRejected, err)
	}

	cmd, results, err := s.dispatch(ctx, x, k, inv, log)
	if err != nil {
		if ctx.Err() != nil {
			return finish(StepAbandoned, context.Cause(ctx))
		}
		if fault.Is(err, fault.KindInvalidSession) {
			return finish(StepAbandoned, err)
		}
		log.Warn().Err(err).Int("position", k).Str("module", mod.Name).Msg("dispatch failed")
		return finish(StepRejected, err)
	}
	step.CommandID = cmd.ID

	x.setState(StateAwaitingResult)
	timer := time.NewTimer(s.cfg.StepTimeout)
	defer timer.Stop()

	reported := func(res session.Result) Step {
		telemetry.StepDuration.Observe(time.Since(step.StartedAt).Seconds())
		step.Success = res.Success
		step.Data = res.Data
		if res.Success {
			return finish(StepCompleted, nil)
		}
		return finish(StepFailed, nil)
	}

	select {
	case <-ctx.Done():
		s.d.Abandon(x.SessionID, cmd.ID)
		return finish(StepAbandoned, context.Cause(ctx))

	case <-timer.C:
		s.d.Abandon(x.SessionID, cmd.ID)
		// a report accepted before Abandon returned is already buffered
		select {
		case res := <-results:
			return reported(res)
		default:
		}
		err := fault.New(fault.KindStepTimeout, "await", fmt.Sprintf("%s#%d", x.ID, k), nil)
		log.Warn().Err(err).Int("position", k).Str("module", mod.Name).Dur("timeout", s.cfg.StepTimeout).Msg("step timed out")
		return finish(StepTimedOut, err)

	case res := <-results:
		return reported(res)
	}
}

// dispatch enqueues inv. A DispatchChannel failure is retried after the session's
// next poll, up to MaxDispatchRetries times.
func (s *Scheduler) dispatch(ctx context.Context, x *Execution, k int, inv modules.Invocation, log zerolog.Logger) (session.Command, <-chan session.Result, error) {
	for attempt := 0; ; attempt++ {
		cmd, results, err := s.d.Enqueue(x.SessionID, session.Command{
			Module:      inv.Module,
			Options:     inv.Options,
			ExecutionID: x.ID,
			Position:    k,
		})
		if err == nil {
			x.setState(StateDispatched)
			return cmd, results, nil
		}
		if !fault.Is(err, fault.KindDispatchChannel) || attempt >= s.cfg.MaxDispatchRetries {
			return session.Command{}, nil, err
		}

		telemetry.DispatchRetries.Inc()
		log.Warn().Err(err).Int("position", k).Int("attempt", attempt+1).Msg("dispatch failed, retrying after next poll")

		polled, err := s.d.PollSignal(x.SessionID)
		if err != nil {
			return session.Command{}, nil, err
		}
		timer := time.NewTimer(s.cfg.StepTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return session.Command{}, nil, context.Cause(ctx)
		case <-polled:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *Scheduler) abort(x *Execution, cause error, log zerolog.Logger) {
	log.Info().Err(cause).Msg("execution aborted")
	s.complete(x, StateAborted, cause)
}

func (s *Scheduler) complete(x *Execution, state State, err error) {
	if !x.finish(state, err) {
		return
	}
	telemetry.ExecutionsActive.Dec()
	telemetry.Executions.WithLabelValues(string(state)).Inc()
	if s.cfg.OnComplete != nil {
		s.cfg.OnComplete(x)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
