// Package cooldown implements the single per-symbol reentry-block
// registry (§4.7), shared by the scanner and the order event router —
// the spec's redesign flag collapsing the teacher's two drift-prone
// cooldown stores into one.
package cooldown

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrelq/ladderengine/internal/models"
)

// Registry is a process-local, mutex-guarded symbol->lastExit map.
// Every operation is O(1). Never persisted across restarts per spec's
// Non-goals.
type Registry struct {
	mu       sync.Mutex
	entries  map[models.Symbol]models.CooldownEntry
	cooldown time.Duration
}

// NewRegistry constructs a Registry with a single configured cooldown
// window (resolves spec §9's open question: one parameter, not the
// source's 180/300/600s mix).
func NewRegistry(cooldownSeconds int) *Registry {
	return &Registry{
		entries:  make(map[models.Symbol]models.CooldownEntry),
		cooldown: time.Duration(cooldownSeconds) * time.Second,
	}
}

// SetCooldownSeconds updates the window; used by config hot-reload.
func (r *Registry) SetCooldownSeconds(seconds int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldown = time.Duration(seconds) * time.Second
}

// Record registers a Trade close. Called by the order event router on
// every close and by the scanner on manual exits.
func (r *Registry) Record(symbol models.Symbol, ts time.Time, price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[symbol] = models.CooldownEntry{Symbol: symbol, LastExitTs: ts, LastExitPrice: price}
}

// IsAllowed reports whether re-entry is currently permitted for symbol,
// and if not, the remaining duration before it will be.
func (r *Registry) IsAllowed(symbol models.Symbol, now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[symbol]
	if !ok {
		return true, 0
	}
	readyAt := e.LastExitTs.Add(r.cooldown)
	if now.Before(readyAt) {
		return false, readyAt.Sub(now)
	}
	return true, 0
}

// LastExitPrice returns the last recorded exit price for symbol, used
// by the scanner's anti-flip check (§4.5). ok is false if the symbol
// has never exited.
func (r *Registry) LastExitPrice(symbol models.Symbol) (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return e.LastExitPrice, true
}
