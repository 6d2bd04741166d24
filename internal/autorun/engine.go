// Package autorun ties the rule store, the session registry and the chain
// scheduler together: every hooked session is matched against the current rule
// snapshot and one execution is started per matched rule.
package autorun

import (
	"context"

	"github.com/TimurManjosov/goautorun/internal/engine"
	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/TimurManjosov/goautorun/internal/scheduler"
	"github.com/TimurManjosov/goautorun/internal/session"
	"github.com/TimurManjosov/goautorun/internal/snapshot"
	"github.com/TimurManjosov/goautorun/internal/webhook"
	"github.com/rs/zerolog"
)

// Notifier receives execution outcome events. *webhook.Dispatcher implements it.
type Notifier interface {
	Dispatch(event webhook.Event) bool
}

// Engine is the in-process autorun core. Transport adapters call Hook, Poll and
// Report through it; nothing here depends on HTTP.
type Engine struct {
	rules    *snapshot.Store
	sessions *session.Registry
	sched    *scheduler.Scheduler
	notifier Notifier
	logger   zerolog.Logger
}

// New builds an Engine. notifier may be nil. cfg.OnComplete, if set, runs after
// the outcome event is queued.
func New(store *snapshot.Store, reg *session.Registry, cfg scheduler.Config, notifier Notifier, logger zerolog.Logger) *Engine {
	e := &Engine{
		rules:    store,
		sessions: reg,
		notifier: notifier,
		logger:   logger,
	}
	next := cfg.OnComplete
	cfg.OnComplete = func(x *scheduler.Execution) {
		e.notify(x)
		if next != nil {
			next(x)
		}
	}
	e.sched = scheduler.New(reg, cfg, logger.With().Str("component", "scheduler").Logger())
	return e
}

// Hook registers a session for fp and starts autorun for it.
func (e *Engine) Hook(ctx context.Context, fp rules.Fingerprint) (string, []*scheduler.Execution, error) {
	id, err := e.sessions.Hook(ctx, fp)
	if err != nil {
		return "", nil, err
	}
	xs, err := e.Trigger(id)
	if err != nil {
		return id, nil, err
	}
	return id, xs, nil
}

// Trigger matches the session's fingerprint against the current snapshot and
// starts one execution per matched rule, most specific first. No match yields
// an empty slice.
func (e *Engine) Trigger(sessionID string) ([]*scheduler.Execution, error) {
	if err := e.sessions.Validate(sessionID); err != nil {
		return nil, err
	}
	fp, err := e.sessions.Fingerprint(sessionID)
	if err != nil {
		return nil, err
	}

	snap := e.rules.Load()
	matched := engine.Match(snap.Rules, fp)
	log := e.logger.With().Str("session", sessionID).Str("rules_etag", snap.ETag).Logger()
	if len(matched) == 0 {
		log.Debug().Msg("no matching autorun rule")
		return []*scheduler.Execution{}, nil
	}

	xs := make([]*scheduler.Execution, 0, len(matched))
	for _, r := range matched {
		x, err := e.sched.Run(sessionID, r)
		if err != nil {
			// the session ended or the scheduler is closing; nothing else will start
			return xs, err
		}
		log.Info().Str("rule", r.ID).Str("rule_name", r.Name).Str("execution", x.ID).Msg("autorun started")
		xs = append(xs, x)
	}
	return xs, nil
}

// Match returns the rules of the current snapshot that apply to fp.
func (e *Engine) Match(fp rules.Fingerprint) []rules.Rule {
	return engine.Match(e.rules.Load().Rules, fp)
}

func (e *Engine) Poll(sessionID string) ([]session.Command, error) {
	return e.sessions.Poll(sessionID)
}

func (e *Engine) Report(sessionID, commandID string, success bool, data any) (bool, error) {
	return e.sessions.Report(sessionID, commandID, success, data)
}

// Executions lists the executions started for a session, oldest first.
func (e *Engine) Executions(sessionID string) []*scheduler.Execution {
	return e.sched.Executions(sessionID)
}

// Remove deletes a session and forgets its execution history.
func (e *Engine) Remove(sessionID string) error {
	if err := e.sessions.Remove(sessionID); err != nil {
		return err
	}
	e.sched.Forget(sessionID)
	return nil
}

func (e *Engine) Sessions() *session.Registry { return e.sessions }

func (e *Engine) Rules() *snapshot.Snapshot { return e.rules.Load() }

// Close aborts running executions and waits for them.
func (e *Engine) Close() {
	e.sched.Close()
}

func (e *Engine) notify(x *scheduler.Execution) {
	if e.notifier == nil {
		return
	}
	v := x.View()
	typ := webhook.EventExecutionCompleted
	if v.State == scheduler.StateAborted {
		typ = webhook.EventExecutionAborted
	}
	e.notifier.Dispatch(webhook.Event{
		Type:     typ,
		Resource: webhook.Resource{Type: "execution", Key: x.ID},
		Data:     v,
	})
}
