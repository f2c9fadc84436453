// Package ticks implements the Tick Store (single-writer/many-reader
// last-price cache) and the Candle Aggregator (per-bar OHLCV
// accumulation with boundary emission), per spec §4.2.
package ticks

import (
	"sync"
	"time"

	"github.com/kestrelq/ladderengine/internal/models"
)

// staleWindow is the threshold beyond which an incoming tick is
// considered stale relative to the store's last observed timestamp for
// that symbol.
const staleWindow = 2 * time.Minute

// Store holds the latest Tick per symbol. There is exactly one writer
// (the broker's tick-reader task); the scanner and trailing worker read
// point-in-time snapshots without ever read-modify-writing.
type Store struct {
	mu    sync.RWMutex
	byTok map[models.InstrumentToken]models.Tick
	byKey map[models.Symbol]models.Tick

	staleCount int64
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		byTok: make(map[models.InstrumentToken]models.Tick),
		byKey: make(map[models.Symbol]models.Tick),
	}
}

// Update records a new Tick. Returns *models.StaleTick (and bumps the
// stale counter) without mutating state if the tick is more than
// staleWindow behind the last observed timestamp for its symbol.
func (s *Store) Update(t models.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byKey[t.Symbol]; ok {
		if t.Ts.Before(prev.Ts.Add(-staleWindow)) {
			s.staleCount++
			return &models.StaleTick{Symbol: t.Symbol}
		}
	}
	s.byTok[t.Token] = t
	s.byKey[t.Symbol] = t
	return nil
}

// Last returns a point-in-time snapshot of the last tick for symbol.
func (s *Store) Last(symbol models.Symbol) (models.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byKey[symbol]
	return t, ok
}

// LastByToken mirrors Last, keyed by InstrumentToken.
func (s *Store) LastByToken(tok models.InstrumentToken) (models.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byTok[tok]
	return t, ok
}

// StaleCount reports how many ticks have been dropped as stale.
func (s *Store) StaleCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staleCount
}

// Snapshot returns every symbol's last tick at this instant.
func (s *Store) Snapshot() map[models.Symbol]models.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Symbol]models.Tick, len(s.byKey))
	for k, v := range s.byKey {
		out[k] = v
	}
	return out
}
