// Package state records which chat messages have been handled so that each one
// produces at most one externally visible effect.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/creditbot/internal/retry"
)

var (
	// ErrConflict means the stored document changed since it was read.
	ErrConflict = errors.New("state: concurrent modification")
	// ErrConflictExhausted means a write kept conflicting after all retries.
	ErrConflictExhausted = errors.New("state: conflict retries exhausted")
	// ErrCorrupt means the stored document cannot be decoded. It is never retried.
	ErrCorrupt = errors.New("state: corrupt document")
)

// DefaultCapacity is the number of entries kept before the oldest are evicted.
const DefaultCapacity = 1000

// Summary is the compact outcome stored with an entry.
type Summary struct {
	Kind      string `json:"kind"`
	Total     string `json:"total,omitempty"`
	Succeeded int    `json:"succeeded,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

// Entry marks one message as handled. Entries are never modified once written.
type Entry struct {
	MessageID   string    `json:"message_id"`
	ProcessedAt time.Time `json:"processed_at"`
	Outcome     Summary   `json:"outcome"`
}

// Snapshot is the persisted document.
type Snapshot struct {
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	LastCheck      time.Time `json:"last_check,omitempty"`
	TotalProcessed int64     `json:"total_processed"`
	Entries        []Entry   `json:"entries"`
}

func (s *Snapshot) index(messageID string) int {
	for i := range s.Entries {
		if s.Entries[i].MessageID == messageID {
			return i
		}
	}
	return -1
}

// Version is an opaque backend token identifying a stored revision. The empty
// Version means nothing has been stored yet.
type Version string

// Backend stores the encoded document. Save must fail with ErrConflict when
// the stored revision is no longer expected.
type Backend interface {
	Load(ctx context.Context) ([]byte, Version, error)
	Save(ctx context.Context, data []byte, expected Version) (Version, error)
}

// Store is the idempotency ledger.
type Store struct {
	backend  Backend
	capacity int
	retry    retry.RetryConfig
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func WithConflictRetries(n int) Option {
	return func(s *Store) { s.retry = retry.StateRetryConfig(n) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		capacity: DefaultCapacity,
		retry:    retry.StateRetryConfig(0),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry.Retryable = func(err error) bool { return errors.Is(err, ErrConflict) }
	return s
}

func (s *Store) load(ctx context.Context) (*Snapshot, Version, error) {
	data, version, err := s.backend.Load(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load state: %w", err)
	}
	// Only a missing document starts a fresh ledger. An existing one that is
	// empty or not an object would otherwise reset it silently.
	if version == "" {
		return &Snapshot{CreatedAt: s.now().UTC()}, version, nil
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, "", fmt.Errorf("%w: empty document", ErrCorrupt)
	}
	if trimmed[0] != '{' {
		return nil, "", fmt.Errorf("%w: document is not a JSON object", ErrCorrupt)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	for i, e := range snap.Entries {
		if e.MessageID == "" {
			return nil, "", fmt.Errorf("%w: entry %d has no message id", ErrCorrupt, i)
		}
	}
	return &snap, version, nil
}

// Contains reports whether messageID already has an entry.
func (s *Store) Contains(ctx context.Context, messageID string) (bool, error) {
	snap, _, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	return snap.index(messageID) >= 0, nil
}

// Get returns the entry for messageID, if any.
func (s *Store) Get(ctx context.Context, messageID string) (Entry, bool, error) {
	snap, _, err := s.load(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	if i := snap.index(messageID); i >= 0 {
		return snap.Entries[i], true, nil
	}
	return Entry{}, false, nil
}

// Record adds an entry for messageID, evicting the oldest entries beyond
// capacity in the same write. It returns false when an entry already existed,
// in which case nothing is changed.
func (s *Store) Record(ctx context.Context, messageID string, outcome Summary) (bool, error) {
	if messageID == "" {
		return false, fmt.Errorf("state: empty message id")
	}

	recorded := false
	evicted := 0
	err := s.update(ctx, func(snap *Snapshot) bool {
		recorded, evicted = false, 0
		if snap.index(messageID) >= 0 {
			return false
		}
		snap.Entries = append(snap.Entries, Entry{
			MessageID:   messageID,
			ProcessedAt: s.now().UTC(),
			Outcome:     outcome,
		})
		snap.TotalProcessed++
		if over := len(snap.Entries) - s.capacity; over > 0 {
			snap.Entries = append([]Entry(nil), snap.Entries[over:]...)
			evicted = over
		}
		recorded = true
		return true
	})
	if err != nil {
		return false, err
	}

	if recorded {
		log.Debug().
			Str("message_id", messageID).
			Str("outcome", outcome.Kind).
			Int("evicted", evicted).
			Msg("Recorded processed message")
	}
	return recorded, nil
}

// MarkChecked stores the time of the last completed poll.
func (s *Store) MarkChecked(ctx context.Context, at time.Time) error {
	return s.update(ctx, func(snap *Snapshot) bool {
		snap.LastCheck = at.UTC()
		return true
	})
}

// update runs a read-modify-write cycle, retrying on ErrConflict. mutate
// returns false when there is nothing to write.
func (s *Store) update(ctx context.Context, mutate func(*Snapshot) bool) error {
	logger := log.Logger
	result := retry.RetryWithBackoff(ctx, s.retry, func() error {
		snap, version, err := s.load(ctx)
		if err != nil {
			return err
		}
		if !mutate(snap) {
			return nil
		}
		snap.Version++

		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode state: %w", err)
		}
		if _, err := s.backend.Save(ctx, data, version); err != nil {
			return err
		}
		return nil
	}, &logger)

	if result.Success {
		return nil
	}
	if errors.Is(result.LastError, ErrConflict) {
		return fmt.Errorf("%w after %d attempts", ErrConflictExhausted, result.Attempts)
	}
	return result.LastError
}

// Stats summarises the stored document.
type Stats struct {
	Entries        int
	Capacity       int
	TotalProcessed int64
	CreatedAt      time.Time
	LastCheck      time.Time
	Oldest         time.Time
	Newest         time.Time
	ByOutcome      map[string]int
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	snap, _, err := s.load(ctx)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		Entries:        len(snap.Entries),
		Capacity:       s.capacity,
		TotalProcessed: snap.TotalProcessed,
		CreatedAt:      snap.CreatedAt,
		LastCheck:      snap.LastCheck,
		ByOutcome:      make(map[string]int),
	}
	if n := len(snap.Entries); n > 0 {
		st.Oldest = snap.Entries[0].ProcessedAt
		st.Newest = snap.Entries[n-1].ProcessedAt
	}
	for _, e := range snap.Entries {
		st.ByOutcome[e.Outcome.Kind]++
	}
	return st, nil
}
