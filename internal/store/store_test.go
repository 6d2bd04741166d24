package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/TimurManjosov/goautorun/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	id := "sess-" + uuid.NewString()
	hooked := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fp := rules.Fingerprint{Browser: "chrome", BrowserVersion: "1", OS: "linux", OSVersion: "1"}

	if err := s.RecordHook(ctx, session.Info{ID: id, Fingerprint: fp, State: session.StatePending, HookedAt: hooked}); err != nil {
		t.Fatalf("RecordHook: %v", err)
	}
	cmd := session.Command{ID: "c1", Module: "alert_dialog", Options: map[string]any{"text": "hi"}, EnqueuedAt: hooked.Add(time.Second)}
	if err := s.RecordCommand(ctx, id, cmd); err != nil {
		t.Fatalf("RecordCommand: %v", err)
	}
	if err := s.RecordState(ctx, id, session.StateOnline, hooked.Add(2*time.Second)); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	res := session.Result{CommandID: "c1", Success: true, Data: map[string]any{"clicked": true}, ReceivedAt: hooked.Add(3 * time.Second)}
	if err := s.RecordResult(ctx, id, res); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	h, err := s.History(ctx, id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h.Session.Fingerprint != fp || h.Session.State != session.StateOnline || !h.Session.HookedAt.Equal(hooked) {
		t.Fatalf("session = %+v", h.Session)
	}
	wantKinds := []EventKind{EventHook, EventCommand, EventState, EventResult}
	if len(h.Events) != len(wantKinds) {
		t.Fatalf("events = %+v", h.Events)
	}
	for i, k := range wantKinds {
		if h.Events[i].Kind != k {
			t.Fatalf("event[%d].Kind = %s, want %s", i, h.Events[i].Kind, k)
		}
	}
	if ev := h.Events[1]; ev.Module != "alert_dialog" || ev.Options["text"] != "hi" {
		t.Fatalf("command event = %+v", ev)
	}
	if ev := h.Events[3]; ev.Success == nil || !*ev.Success || ev.CommandID != "c1" {
		t.Fatalf("result event = %+v", ev)
	}

	list, err := s.Sessions(ctx, 0)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	found := false
	for _, rec := range list {
		if rec.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("Sessions() does not include %s", id)
	}

	if _, err := s.History(ctx, "never-hooked-"+uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("History(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemoryStore_SessionsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		_ = s.RecordHook(ctx, session.Info{ID: id, State: session.StatePending, HookedAt: base.Add(time.Duration(i) * time.Second)})
	}

	got, _ := s.Sessions(ctx, 2)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("Sessions(2) = %+v", got)
	}
}

func TestMemoryStore_HistoryIsACopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.RecordHook(ctx, session.Info{ID: "a", State: session.StatePending, HookedAt: time.Now()})

	h, _ := s.History(ctx, "a")
	h.Events[0].Kind = "tampered"
	again, _ := s.History(ctx, "a")
	if again.Events[0].Kind != EventHook {
		t.Fatal("History() exposed internal state")
	}
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()
	for _, typ := range []string{"", "memory"} {
		s, err := NewStore(ctx, Options{Type: typ})
		if err != nil {
			t.Fatalf("NewStore(%q): %v", typ, err)
		}
		if _, ok := s.(*MemoryStore); !ok {
			t.Fatalf("NewStore(%q) = %T", typ, s)
		}
	}
	if _, err := NewStore(ctx, Options{Type: "mongo"}); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestNewStore_PostgresBadDSN(t *testing.T) {
	if _, err := NewStore(context.Background(), Options{Type: "postgres", DSN: "::not a dsn::"}); err == nil {
		t.Fatal("expected error for invalid DSN")
	}
}

// MemoryStore must satisfy the registry's journal.
var _ session.Journal = (*MemoryStore)(nil)

func TestJournalThroughRegistry(t *testing.T) {
	s := NewMemoryStore()
	reg := session.NewRegistry(zerolog.Nop(), session.Options{Journal: s})
	id, err := reg.Hook(context.Background(), rules.Fingerprint{Browser: "chrome", BrowserVersion: "1", OS: "linux", OSVersion: "1"})
	if err != nil {
		t.Fatalf("Hook: %v", err)
	}
	if _, err := reg.Poll(id); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := reg.Expire(id); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	// the registry keeps history after expiry; so does the journal
	h, err := s.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h.Session.State != session.StateExpired || len(h.Events) != 3 {
		t.Fatalf("history = %+v", h)
	}
}
