package autorun

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TimurManjosov/goautorun/internal/fault"
	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/TimurManjosov/goautorun/internal/scheduler"
	"github.com/TimurManjosov/goautorun/internal/session"
	"github.com/TimurManjosov/goautorun/internal/snapshot"
	"github.com/TimurManjosov/goautorun/internal/webhook"
	"github.com/rs/zerolog"
)

var chromeLinux = rules.Fingerprint{Browser: "chrome", BrowserVersion: "1", OS: "linux", OSVersion: "1"}

type captureNotifier struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (c *captureNotifier) Dispatch(ev webhook.Event) bool {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return true
}

func (c *captureNotifier) all() []webhook.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webhook.Event(nil), c.events...)
}

func loadRules(t *testing.T, src string) *snapshot.Store {
	t.Helper()
	res := rules.LoadBytes("rules.json", []byte(src))
	if len(res.Errors) > 0 {
		t.Fatalf("load: %v", res.Errors)
	}
	store := snapshot.NewStore()
	store.Update(snapshot.Build(res.Rules, nil))
	return store
}

func newEngine(t *testing.T, store *snapshot.Store, cfg scheduler.Config, n Notifier) *Engine {
	t.Helper()
	reg := session.NewRegistry(zerolog.Nop(), session.Options{})
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = 2 * time.Second
	}
	e := New(store, reg, cfg, n, zerolog.Nop())
	t.Cleanup(e.Close)
	return e
}

func pollUntil(t *testing.T, e *Engine, id string) []session.Command {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cmds, err := e.Poll(id)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(cmds) > 0 {
			return cmds
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no command delivered")
	return nil
}

const alertRule = `{
	"name": "alert everyone",
	"browser": "ALL", "browser_version": "ALL", "os": "ALL", "os_version": "ALL",
	"modules": [{"name": "alert_dialog", "condition": null, "options": {"text": "hi"}}],
	"execution_order": [0],
	"execution_delay": [0],
	"chain_mode": "sequential"
}`

func TestHook_AlertDialogOnNextPoll(t *testing.T) {
	n := &captureNotifier{}
	e := newEngine(t, loadRules(t, alertRule), scheduler.Config{}, n)

	id, xs, err := e.Hook(context.Background(), chromeLinux)
	if err != nil {
		t.Fatalf("Hook: %v", err)
	}
	if len(xs) != 1 {
		t.Fatalf("started %d executions, want 1", len(xs))
	}
	if !e.Sessions().IsValid(id) {
		t.Fatal("hooked session is not valid")
	}

	cmds := pollUntil(t, e, id)
	if len(cmds) != 1 || cmds[0].Module != "alert_dialog" || cmds[0].Options["text"] != "hi" || len(cmds[0].Options) != 1 {
		t.Fatalf("delivered %+v, want exactly alert_dialog{text:hi}", cmds)
	}

	// a second poll without a new dispatch is empty, but the command is still pending
	again, err := e.Poll(id)
	if err != nil || len(again) != 0 {
		t.Fatalf("second poll = %+v, %v", again, err)
	}
	pending, _ := e.Sessions().Pending(id)
	if len(pending) != 1 || !pending[0].Delivered {
		t.Fatalf("pending = %+v", pending)
	}

	if ok, err := e.Report(id, cmds[0].ID, true, "clicked"); !ok || err != nil {
		t.Fatalf("Report = %v, %v", ok, err)
	}
	select {
	case <-xs[0].Done():
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not finish")
	}

	deadline := time.Now().Add(time.Second)
	for len(n.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	events := n.all()
	if len(events) != 1 || events[0].Type != webhook.EventExecutionCompleted || events[0].Resource.Key != xs[0].ID {
		t.Fatalf("events = %+v", events)
	}
}

func TestTrigger_MostSpecificFirst(t *testing.T) {
	store := loadRules(t, `[
		{"name": "catch-all", "modules": [{"name": "a"}], "execution_order": [0], "execution_delay": [0]},
		{"name": "exact", "browser": "chrome", "browser_version": "1", "os": "linux", "os_version": "1",
		 "modules": [{"name": "b"}], "execution_order": [0], "execution_delay": [0]},
		{"name": "firefox", "browser": "firefox", "modules": [{"name": "c"}], "execution_order": [0], "execution_delay": [0]}
	]`)
	e := newEngine(t, store, scheduler.Config{}, nil)

	matched := e.Match(chromeLinux)
	if len(matched) != 2 || matched[0].Name != "exact" || matched[1].Name != "catch-all" {
		t.Fatalf("Match() = %+v", matched)
	}

	_, xs, err := e.Hook(context.Background(), chromeLinux)
	if err != nil {
		t.Fatalf("Hook: %v", err)
	}
	if len(xs) != 2 || xs[0].RuleName != "exact" || xs[1].RuleName != "catch-all" {
		t.Fatalf("executions = %d", len(xs))
	}
}

func TestHook_NoMatchingRuleIsNotAnError(t *testing.T) {
	store := loadRules(t, `{"browser": "firefox", "name": "ff", "modules": [{"name": "a"}], "execution_order": [0], "execution_delay": [0]}`)
	e := newEngine(t, store, scheduler.Config{}, nil)

	id, xs, err := e.Hook(context.Background(), chromeLinux)
	if err != nil {
		t.Fatalf("Hook: %v", err)
	}
	if xs == nil || len(xs) != 0 {
		t.Fatalf("executions = %v, want empty", xs)
	}
	if got := e.Executions(id); len(got) != 0 {
		t.Fatalf("Executions() = %d", len(got))
	}
}

func TestHook_InvalidFingerprint(t *testing.T) {
	e := newEngine(t, snapshot.NewStore(), scheduler.Config{}, nil)
	fp := chromeLinux
	fp.OS = rules.Wildcard
	if _, _, err := e.Hook(context.Background(), fp); err == nil {
		t.Fatal("Hook accepted a wildcard fingerprint")
	}
}

func TestTrigger_InvalidSession(t *testing.T) {
	e := newEngine(t, loadRules(t, alertRule), scheduler.Config{}, nil)
	if _, err := e.Trigger("missing"); fault.KindOf(err) != fault.KindInvalidSession {
		t.Fatalf("Trigger = %v, want InvalidSession", err)
	}

	id, _, _ := e.Hook(context.Background(), chromeLinux)
	_ = e.Sessions().Expire(id)
	if _, err := e.Trigger(id); fault.KindOf(err) != fault.KindInvalidSession {
		t.Fatalf("Trigger after expire = %v, want InvalidSession", err)
	}
}

func TestExpire_AbortsAndNotifies(t *testing.T) {
	n := &captureNotifier{}
	e := newEngine(t, loadRules(t, alertRule), scheduler.Config{StepTimeout: time.Minute}, n)

	id, xs, err := e.Hook(context.Background(), chromeLinux)
	if err != nil {
		t.Fatalf("Hook: %v", err)
	}
	pollUntil(t, e, id)
	if err := e.Sessions().Expire(id); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	select {
	case <-xs[0].Done():
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not abort")
	}
	if out, _ := xs[0].Outcome(); out.State != scheduler.StateAborted {
		t.Fatalf("outcome = %+v", out)
	}
	if e.Sessions().IsValid(id) {
		t.Fatal("expired session still valid")
	}

	deadline := time.Now().Add(time.Second)
	for len(n.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if events := n.all(); len(events) != 1 || events[0].Type != webhook.EventExecutionAborted {
		t.Fatalf("events = %+v", events)
	}
}

func TestReload_DoesNotAffectRunningExecutions(t *testing.T) {
	store := loadRules(t, alertRule)
	e := newEngine(t, store, scheduler.Config{}, nil)

	id, xs, err := e.Hook(context.Background(), chromeLinux)
	if err != nil {
		t.Fatalf("Hook: %v", err)
	}
	store.Update(snapshot.Build(nil, nil))
	if got := e.Match(chromeLinux); len(got) != 0 {
		t.Fatalf("Match after swap = %d rules", len(got))
	}

	cmds := pollUntil(t, e, id)
	if cmds[0].Module != "alert_dialog" {
		t.Fatalf("delivered %+v", cmds)
	}
	_, _ = e.Report(id, cmds[0].ID, true, nil)
	<-xs[0].Done()
}

func TestRemove(t *testing.T) {
	e := newEngine(t, loadRules(t, alertRule), scheduler.Config{}, nil)
	id, xs, _ := e.Hook(context.Background(), chromeLinux)
	if err := e.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	<-xs[0].Done()
	if got := e.Executions(id); len(got) != 0 {
		t.Fatalf("Executions after Remove = %d", len(got))
	}
	if err := e.Remove(id); fault.KindOf(err) != fault.KindInvalidSession {
		t.Fatalf("second Remove = %v", err)
	}
}
