// Package instruments loads the immutable Symbol<->InstrumentToken
// mapping the engine uses for subscription and tick routing.
package instruments

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/piquette/finance-go/quote"

	"github.com/kestrelq/ladderengine/internal/models"
)

// Manifest is the immutable, process-lifetime Symbol<->Token mapping.
type Manifest struct {
	bySymbol map[models.Symbol]models.InstrumentToken
	byToken  map[models.InstrumentToken]models.Symbol
}

// Symbols returns the configured universe. The order is not defined: it
// follows map iteration.
func (m *Manifest) Symbols() []models.Symbol {
	out := make([]models.Symbol, 0, len(m.bySymbol))
	for s := range m.bySymbol {
		out = append(out, s)
	}
	return out
}

// Token resolves a Symbol to its InstrumentToken.
func (m *Manifest) Token(s models.Symbol) (models.InstrumentToken, bool) {
	t, ok := m.bySymbol[s]
	return t, ok
}

// Symbol resolves an InstrumentToken back to its canonical Symbol.
// Events that cannot be normalized via this lookup are rejected by the
// order event router.
func (m *Manifest) Symbol(t models.InstrumentToken) (models.Symbol, bool) {
	s, ok := m.byToken[t]
	return s, ok
}

// Load reads a universe file (one "SYMBOL,TOKEN" pair per line). It does
// not consult the broker; the live quote cross-check that catches a
// typo'd entry is done separately by Validate.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &models.FatalConfigError{Reason: fmt.Sprintf("cannot open universe file: %v", err)}
	}
	defer f.Close()

	m := &Manifest{
		bySymbol: make(map[models.Symbol]models.InstrumentToken),
		byToken:  make(map[models.InstrumentToken]models.Symbol),
	}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			return nil, &models.FatalConfigError{Reason: fmt.Sprintf("universe line %d: expected SYMBOL,TOKEN", lineNo)}
		}
		symbol := models.Symbol(strings.ToUpper(strings.TrimSpace(parts[0])))
		var token int64
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &token); err != nil {
			return nil, &models.FatalConfigError{Reason: fmt.Sprintf("universe line %d: bad token: %v", lineNo, err)}
		}
		m.bySymbol[symbol] = models.InstrumentToken(token)
		m.byToken[models.InstrumentToken(token)] = symbol
	}
	if err := scanner.Err(); err != nil {
		return nil, &models.FatalConfigError{Reason: fmt.Sprintf("reading universe file: %v", err)}
	}
	if len(m.bySymbol) == 0 {
		return nil, &models.FatalConfigError{Reason: "universe is empty"}
	}

	return m, nil
}

// Validate checks every symbol in the manifest against a live quote
// source. A symbol that fails to resolve is a FatalConfigError — better
// to refuse to start than to trade against an incomplete universe.
func Validate(m *Manifest) error {
	var bad []string
	for _, s := range m.Symbols() {
		q, err := quote.Get(string(s))
		if err != nil || q == nil {
			bad = append(bad, string(s))
		}
	}
	if len(bad) > 0 {
		return &models.FatalConfigError{Reason: fmt.Sprintf("symbols failed quote lookup: %s", strings.Join(bad, ", "))}
	}
	return nil
}
