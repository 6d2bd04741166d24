package snapshot

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/cespare/xxhash/v2"
)

// Snapshot is an immutable, load-ordered rule set. Readers must not modify it.
type Snapshot struct {
	ETag     string             `json:"etag"`
	Rules    []rules.Rule       `json:"rules"`
	Rejected []*rules.LoadError `json:"-"`
	LoadedAt time.Time          `json:"loadedAt"`
}

// Len returns the number of accepted rules.
func (s *Snapshot) Len() int { return len(s.Rules) }

// Build creates a snapshot from rules in load order. The slice is copied.
func Build(rs []rules.Rule, rejected []*rules.LoadError) *Snapshot {
	own := make([]rules.Rule, len(rs))
	copy(own, rs)

	blob, _ := json.Marshal(own)
	etag := `W/"` + strconv.FormatUint(xxhash.Sum64(blob), 16) + `"`
	return &Snapshot{ETag: etag, Rules: own, Rejected: rejected, LoadedAt: time.Now().UTC()}
}

var empty = &Snapshot{Rules: []rules.Rule{}}

// Store holds the current snapshot behind an atomic pointer. Load never blocks and
// always observes a complete rule set; Update swaps in a new one.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs map[subCh]struct{}
}

func NewStore() *Store {
	return &Store{subs: make(map[subCh]struct{})}
}

// Load returns the active snapshot. It is never nil.
func (s *Store) Load() *Snapshot {
	if snap := s.current.Load(); snap != nil {
		return snap
	}
	return empty
}

// Update installs snap and notifies subscribers.
func (s *Store) Update(snap *Snapshot) {
	s.current.Store(snap)
	s.publishUpdate(snap.ETag)
}
