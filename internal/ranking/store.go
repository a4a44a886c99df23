// Package ranking implements the bounded frequency ranking store behind the
// hot key tracker.
//
// The store keeps two indices under a single mutex: the full table of every
// key ever observed, ordered by key, and a bounded ranking window of at most
// M (hitCount, key) entries, ordered by hitCount. A key is "hot" while it
// holds a slot in that window. Note that hot is deliberately the M-window
// test and not "within the top N report": the report is a prefix of the
// window, so a hot key may not appear in TopKeys.
package ranking

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/model"
)

const (
	DefaultReportSize = 10
	DefaultWindowSize = 20

	// window is always at least this much wider than the report
	minWindowMargin = 4

	btreeDegree = 32
)

type rankEntry struct {
	count uint64
	key   string
}

func lessRank(a, b rankEntry) bool {
	if a.count != b.count {
		return a.count < b.count
	}
	return a.key < b.key
}

func lessRecord(a, b *model.KeyRecord) bool {
	return a.Key < b.Key
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store is safe for concurrent use. Every operation, read or write, holds the
// same exclusive lock for its whole duration so callers never observe the
// key table and the ranking window out of step.
type Store struct {
	mu sync.Mutex

	records *btree.BTreeG[*model.KeyRecord]
	ranking *btree.BTreeG[rankEntry]

	reportSize int // N
	windowSize int // M

	log *slog.Logger
}

// New returns a store reporting n keys out of a window of m. The window is
// raised to n+4 when m is smaller; non-positive n falls back to the default.
func New(n, m int, opts ...Option) *Store {
	if n <= 0 {
		n = DefaultReportSize
	}
	if m < n+minWindowMargin {
		m = n + minWindowMargin
	}
	s := &Store{
		records:    btree.NewG(btreeDegree, lessRecord),
		ranking:    btree.NewG(btreeDegree, lessRank),
		reportSize: n,
		windowSize: m,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Observe records one access of key and reconciles the ranking window.
func (s *Store) Observe(key, origin string, port uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldCount uint64
	rec, found := s.records.Get(&model.KeyRecord{Key: key})
	if found {
		oldCount = rec.HitCount
		rec.HitCount++
		rec.Origin = origin
		rec.Port = port
	} else {
		rec = &model.KeyRecord{Key: key, Origin: origin, Port: port, HitCount: 1}
		s.records.ReplaceOrInsert(rec)
	}
	newCount := rec.HitCount

	floor := uint64(1)
	if lowest, ok := s.ranking.Min(); ok {
		floor = lowest.count
	}
	// a full window never admits a count that does not beat its floor
	if newCount <= floor && s.ranking.Len() >= s.windowSize {
		return
	}

	if oldCount > 0 {
		s.ranking.Delete(rankEntry{count: oldCount, key: key})
	}
	s.ranking.ReplaceOrInsert(rankEntry{count: newCount, key: key})

	for s.ranking.Len() > s.windowSize {
		s.ranking.DeleteMin()
	}
}

// IsHot reports whether key currently holds a slot in the ranking window
// (size M), which is wider than the top N report.
func (s *Store) IsHot(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records.Get(&model.KeyRecord{Key: key})
	if !ok {
		return false
	}
	return s.ranking.Has(rankEntry{count: rec.HitCount, key: key})
}

// TopKeys returns at most N keys, highest hit count first.
func (s *Store) TopKeys() []model.KeyFrequency {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.KeyFrequency, 0, min(s.reportSize, s.ranking.Len()))
	s.ranking.Descend(func(e rankEntry) bool {
		if len(out) >= s.reportSize {
			return false
		}
		out = append(out, model.KeyFrequency{Key: e.key, Frequency: e.count})
		return true
	})
	return out
}

// SetReportSize updates N, clamped to the window size.
func (s *Store) SetReportSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 0 {
		n = 0
	}
	if n > s.windowSize {
		n = s.windowSize
	}
	s.reportSize = n
}

func (s *Store) ReportSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportSize
}

func (s *Store) WindowSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowSize
}

func (s *Store) TotalKeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Len()
}

func (s *Store) WindowActualSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranking.Len()
}

// Sizes returns all counters under one lock acquisition.
func (s *Store) Sizes() model.Sizes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Sizes{
		ReportSize:       s.reportSize,
		WindowSize:       s.windowSize,
		WindowActualSize: s.ranking.Len(),
		TotalKeys:        s.records.Len(),
	}
}

// Lookup returns a copy of the record for key.
func (s *Store) Lookup(key string) (model.KeyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records.Get(&model.KeyRecord{Key: key})
	if !ok {
		return model.KeyRecord{}, false
	}
	return *rec, true
}

// KeysWithPrefix returns up to limit records whose key starts with prefix,
// in key order. limit <= 0 means no limit.
func (s *Store) KeysWithPrefix(prefix string, limit int) []model.KeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.KeyRecord
	s.records.AscendGreaterOrEqual(&model.KeyRecord{Key: prefix}, func(rec *model.KeyRecord) bool {
		if !strings.HasPrefix(rec.Key, prefix) {
			return false
		}
		out = append(out, *rec)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Purge shrinks the key table to the keys held by the top target entries of
// the ranking window, target clamped to [N, M]. Ranking entries below the
// target are dropped as well.
func (s *Store) Purge(target int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target > s.windowSize {
		target = s.windowSize
	}
	if target < s.reportSize {
		target = s.reportSize
	}

	kept := btree.NewG(btreeDegree, lessRecord)
	keptRanking := btree.NewG(btreeDegree, lessRank)
	s.ranking.Descend(func(e rankEntry) bool {
		if keptRanking.Len() >= target {
			return false
		}
		rec, ok := s.records.Get(&model.KeyRecord{Key: e.key})
		if !ok {
			s.log.Warn("dropping orphan key from ranking", "key", e.key, "hit_count", e.count)
			return true
		}
		kept.ReplaceOrInsert(rec)
		keptRanking.ReplaceOrInsert(e)
		return true
	})

	dropped := s.records.Len() - kept.Len()
	s.records = kept
	s.ranking = keptRanking
	s.log.Info("ranking store purged", "target", target, "kept", kept.Len(), "dropped", dropped)
}

// Reset clears both indices.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records.Clear(false)
	s.ranking.Clear(false)
}
