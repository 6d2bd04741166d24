package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TimurManjosov/goautorun/internal/auth"
	"github.com/TimurManjosov/goautorun/internal/fault"
	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/TimurManjosov/goautorun/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxQueue bounds the unreported commands held per session.
	DefaultMaxQueue = 256

	journalTimeout = 2 * time.Second
)

// Options configures a Registry. Zero values select defaults.
type Options struct {
	MaxQueue int
	Journal  Journal
	Now      func() time.Time
}

type queued struct {
	cmd         Command
	delivered   bool
	deliveredAt time.Time
	result      chan Result
}

type entry struct {
	mu sync.Mutex

	id       string
	fp       rules.Fingerprint
	state    State
	hookedAt time.Time
	lastSeen time.Time
	queue    []*queued
	pollCh   chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (e *entry) info() Info {
	return Info{
		ID:          e.id,
		Fingerprint: e.fp,
		State:       e.state,
		HookedAt:    e.hookedAt,
		LastSeen:    e.lastSeen,
		Pending:     len(e.queue),
	}
}

// Registry tracks hooked sessions. The registry lock guards only the session map;
// every per-session operation takes that session's own lock, so sessions never
// contend with each other.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	maxQueue int
	journal  Journal
	now      func() time.Time
	logger   zerolog.Logger
}

func NewRegistry(logger zerolog.Logger, opts Options) *Registry {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*entry),
		maxQueue: opts.MaxQueue,
		journal:  opts.Journal,
		now:      opts.Now,
		logger:   logger,
	}
}

func invalid(op, id string, err error) error {
	telemetry.InvalidSessions.Inc()
	return fault.New(fault.KindInvalidSession, op, id, err)
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	return e, ok
}

// live returns the entry with its lock held, or an InvalidSession error.
func (r *Registry) live(op, id string) (*entry, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, invalid(op, id, ErrSessionNotFound)
	}
	e.mu.Lock()
	if e.state.Terminal() {
		st := e.state
		e.mu.Unlock()
		return nil, invalid(op, id, fmt.Errorf("%w: %s", ErrSessionTerminated, st))
	}
	return e, nil
}

// Hook registers a new pending session for fp and returns its id.
func (r *Registry) Hook(ctx context.Context, fp rules.Fingerprint) (string, error) {
	if err := fp.Validate(); err != nil {
		return "", err
	}
	id, err := auth.NewSessionID()
	if err != nil {
		return "", fmt.Errorf("hook: %w", err)
	}

	now := r.now().UTC()
	sctx, cancel := context.WithCancelCause(context.Background())
	e := &entry{
		id:       id,
		fp:       fp,
		state:    StatePending,
		hookedAt: now,
		lastSeen: now,
		pollCh:   make(chan struct{}),
		ctx:      sctx,
		cancel:   cancel,
	}

	r.mu.Lock()
	r.sessions[id] = e
	r.mu.Unlock()

	telemetry.SessionsHooked.Inc()
	if r.journal != nil {
		if err := r.journal.RecordHook(ctx, e.info()); err != nil {
			r.logger.Warn().Err(err).Str("session", id).Msg("journal hook failed")
		}
	}
	r.logger.Info().
		Str("session", id).
		Str("browser", fp.Browser).
		Str("browser_version", fp.BrowserVersion).
		Str("os", fp.OS).
		Str("os_version", fp.OSVersion).
		Msg("session hooked")
	return id, nil
}

// Validate returns nil for a pending or online session and an InvalidSession
// fault for unknown, disconnected or expired ids.
func (r *Registry) Validate(id string) error {
	e, err := r.live("validate", id)
	if err != nil {
		return err
	}
	e.mu.Unlock()
	return nil
}

// IsValid is Validate as a boolean.
func (r *Registry) IsValid(id string) bool {
	return r.Validate(id) == nil
}

// Poll returns the commands not yet delivered, in enqueue order, and marks them
// delivered. It refreshes last_seen and promotes a pending session to online.
func (r *Registry) Poll(id string) ([]Command, error) {
	e, err := r.live("poll", id)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	e.lastSeen = now
	promoted := e.state == StatePending
	if promoted {
		e.state = StateOnline
	}

	batch := make([]Command, 0)
	for _, q := range e.queue {
		if q.delivered {
			continue
		}
		q.delivered = true
		q.deliveredAt = now
		batch = append(batch, q.cmd)
	}

	close(e.pollCh)
	e.pollCh = make(chan struct{})
	e.mu.Unlock()

	if promoted {
		r.logger.Info().Str("session", id).Msg("session online")
		r.recordState(id, StateOnline, now)
	}
	return batch, nil
}

// Report correlates a result with a queued command. An unknown command id is
// logged and ignored: accepted is false and err is nil.
func (r *Registry) Report(id, commandID string, success bool, data any) (bool, error) {
	e, err := r.live("report", id)
	if err != nil {
		return false, err
	}

	res := Result{CommandID: commandID, Success: success, Data: data, ReceivedAt: r.now().UTC()}
	found := false
	for i, q := range e.queue {
		if q.cmd.ID == commandID {
			found = true
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			// buffered and written once; sent under the lock so Abandon never
			// returns between dequeue and delivery
			q.result <- res
			break
		}
	}
	e.mu.Unlock()

	if !found {
		r.logger.Warn().Str("session", id).Str("command", commandID).Msg("result for unknown command ignored")
		return false, nil
	}

	if r.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := r.journal.RecordResult(ctx, id, res); err != nil {
			r.logger.Warn().Err(err).Str("session", id).Msg("journal result failed")
		}
	}
	return true, nil
}

// Enqueue appends cmd to the session's queue and returns it with its assigned id
// plus a channel that receives the reported result. A full queue or a journal
// failure is a DispatchChannel fault.
func (r *Registry) Enqueue(id string, cmd Command) (Command, <-chan Result, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.EnqueuedAt = r.now().UTC()

	e, err := r.live("enqueue", id)
	if err != nil {
		return Command{}, nil, err
	}
	if len(e.queue) >= r.maxQueue {
		e.mu.Unlock()
		return Command{}, nil, fault.New(fault.KindDispatchChannel, "enqueue", id, ErrQueueFull)
	}
	q := &queued{cmd: cmd, result: make(chan Result, 1)}
	e.queue = append(e.queue, q)
	e.mu.Unlock()

	// only queued commands are journaled; the I/O runs without the session lock
	if r.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		err := r.journal.RecordCommand(ctx, id, cmd)
		cancel()
		if err != nil {
			r.Abandon(id, cmd.ID)
			return Command{}, nil, fault.New(fault.KindDispatchChannel, "enqueue", id, err)
		}
	}
	return cmd, q.result, nil
}

// Abandon drops an unreported command. A later report for it is ignored.
func (r *Registry) Abandon(id, commandID string) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, q := range e.queue {
		if q.cmd.ID == commandID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// Context returns a context cancelled when the session becomes disconnected,
// expired or removed. context.Cause reports the InvalidSession fault.
func (r *Registry) Context(id string) (context.Context, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, invalid("context", id, ErrSessionNotFound)
	}
	return e.ctx, nil
}

// PollSignal returns a channel closed by the session's next poll.
func (r *Registry) PollSignal(id string) (<-chan struct{}, error) {
	e, err := r.live("poll-signal", id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.pollCh, nil
}

// Fingerprint returns the fingerprint recorded at hook time.
func (r *Registry) Fingerprint(id string) (rules.Fingerprint, error) {
	e, ok := r.lookup(id)
	if !ok {
		return rules.Fingerprint{}, invalid("fingerprint", id, ErrSessionNotFound)
	}
	return e.fp, nil
}

// Expire forces a session into the expired state. Expiring a terminated session is a no-op.
func (r *Registry) Expire(id string) error {
	e, ok := r.lookup(id)
	if !ok {
		return invalid("expire", id, ErrSessionNotFound)
	}
	if r.terminate(e, StateExpired) {
		telemetry.SessionsDemoted.WithLabelValues(string(StateExpired)).Inc()
	}
	return nil
}

// SweepStale demotes every live session whose last_seen is older than timeout to
// disconnected and returns their ids. The caller owns the timer.
func (r *Registry) SweepStale(now time.Time, timeout time.Duration) []string {
	cutoff := now.Add(-timeout)
	var demoted []string
	for _, e := range r.entries() {
		e.mu.Lock()
		stale := !e.state.Terminal() && e.lastSeen.Before(cutoff)
		e.mu.Unlock()
		if stale && r.terminate(e, StateDisconnected) {
			demoted = append(demoted, e.id)
		}
	}
	if len(demoted) > 0 {
		telemetry.SessionsDemoted.WithLabelValues(string(StateDisconnected)).Add(float64(len(demoted)))
	}
	return demoted
}

// terminate moves e to state and cancels its in-flight executions. It reports
// false if e was already terminal.
func (r *Registry) terminate(e *entry, state State) bool {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return false
	}
	e.state = state
	e.mu.Unlock()

	e.cancel(fault.New(fault.KindInvalidSession, string(state), e.id, ErrSessionTerminated))
	r.logger.Info().Str("session", e.id).Str("state", string(state)).Msg("session terminated")
	r.recordState(e.id, state, r.now().UTC())
	return true
}

// Remove deletes a session and its history from the registry. It is the only
// deletion path and is reserved for explicit external cleanup.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return invalid("remove", id, ErrSessionNotFound)
	}
	e.cancel(fault.New(fault.KindInvalidSession, "remove", id, ErrSessionNotFound))
	r.logger.Info().Str("session", id).Msg("session removed")
	return nil
}

func (r *Registry) recordState(id string, state State, at time.Time) {
	if r.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := r.journal.RecordState(ctx, id, state, at); err != nil {
		r.logger.Warn().Err(err).Str("session", id).Msg("journal state failed")
	}
}

// Get returns a view of one session, including terminated ones.
func (r *Registry) Get(id string) (Info, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Info{}, invalid("get", id, ErrSessionNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info(), nil
}

// IsOnline reports whether the session has polled and is not terminated.
func (r *Registry) IsOnline(id string) bool {
	info, err := r.Get(id)
	return err == nil && info.State == StateOnline
}

// Pending lists the commands not yet reported, delivered or not.
func (r *Registry) Pending(id string) ([]PendingCommand, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, invalid("pending", id, ErrSessionNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingCommand, 0, len(e.queue))
	for _, q := range e.queue {
		pc := PendingCommand{Command: q.cmd, Delivered: q.delivered}
		if q.delivered {
			at := q.deliveredAt
			pc.DeliveredAt = &at
		}
		out = append(out, pc)
	}
	return out, nil
}

// List returns every session ordered by hook time.
func (r *Registry) List() []Info {
	return r.filter(func(State) bool { return true })
}

// Live returns pending and online sessions.
func (r *Registry) Live() []Info {
	return r.filter(func(s State) bool { return !s.Terminal() })
}

// Online returns sessions that have polled at least once and are not terminated.
func (r *Registry) Online() []Info {
	return r.filter(func(s State) bool { return s == StateOnline })
}

// Offline returns disconnected and expired sessions.
func (r *Registry) Offline() []Info {
	return r.filter(State.Terminal)
}

func (r *Registry) filter(keep func(State) bool) []Info {
	entries := r.entries()
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		info := e.info()
		e.mu.Unlock()
		if keep(info.State) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HookedAt.Equal(out[j].HookedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].HookedAt.Before(out[j].HookedAt)
	})
	return out
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e)
	}
	return out
}
