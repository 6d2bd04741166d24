package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/TimurManjosov/goautorun/internal/telemetry"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce batches bursts of editor writes into a single reload.
const DefaultDebounce = 300 * time.Millisecond

// Source loads a rule directory into a Store.
type Source struct {
	Dir      string
	Store    *Store
	Logger   zerolog.Logger
	Debounce time.Duration

	mu sync.Mutex // serializes reloads
}

// NewSource binds dir to store.
func NewSource(dir string, store *Store, logger zerolog.Logger) *Source {
	return &Source{Dir: dir, Store: store, Logger: logger, Debounce: DefaultDebounce}
}

// Reload reads the directory and swaps in the result. Rejected definitions are
// logged individually and do not prevent the rest from loading. If the directory
// itself cannot be read the active snapshot is kept and the error returned.
func (s *Source) Reload() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := rules.LoadDir(s.Dir)
	if err != nil {
		telemetry.RuleReloads.WithLabelValues("error").Inc()
		s.Logger.Error().Err(err).Str("dir", s.Dir).Msg("rule directory unreadable, keeping previous rules")
		return s.Store.Load(), fmt.Errorf("reload rules: %w", err)
	}

	for _, le := range res.Errors {
		s.Logger.Warn().
			Err(le.Err).
			Str("file", le.File).
			Int("index", le.Index).
			Str("rule", le.Name).
			Msg("rule rejected")
	}

	snap := Build(res.Rules, res.Errors)
	s.Store.Update(snap)

	telemetry.RuleReloads.WithLabelValues("ok").Inc()
	telemetry.RulesLoaded.Set(float64(len(snap.Rules)))
	telemetry.RulesRejected.Set(float64(len(res.Errors)))
	s.Logger.Info().
		Int("files", res.Files).
		Int("rules", len(snap.Rules)).
		Int("rejected", len(res.Errors)).
		Str("etag", snap.ETag).
		Msg("rules loaded")
	return snap, nil
}

// Watch reloads on changes to rule files until ctx is cancelled.
func (s *Source) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.Dir, err)
	}
	s.Logger.Info().Str("dir", s.Dir).Msg("watching rule directory")

	debounce := s.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.Logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("rule file changed")
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.Logger.Warn().Err(err).Msg("rule watcher error")

		case <-timer.C:
			_, _ = s.Reload()
		}
	}
}

func isRuleFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
