// Package health tracks per-symbol fetch outcomes and deactivates
// symbols that fail repeatedly. Deactivation is one way: a later
// successful fetch resets the failure streak but never reactivates the
// symbol, so a human (or an explicit Reactivate call) stays in the loop
// for symbols that were delisted or renamed upstream.
package health

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	cacheerr "github.com/quantfold/candlecache/internal/errors"
	"github.com/quantfold/candlecache/internal/logging"
)

// Health is a snapshot of one symbol's fetch state.
type Health struct {
	Symbol        string
	Active        bool
	FailCount     int
	LastError     string
	LastFailureMs int64
	LastSuccessMs int64
	DeactivatedMs int64
}

// LatencyPercentiles summarizes observed fetch latency for a symbol.
type LatencyPercentiles struct {
	Count float64
	P50Ms float64
	P90Ms float64
	P95Ms float64
	P99Ms float64
}

// Stats aggregates monitor state across symbols.
type Stats struct {
	Symbols     int
	Active      int
	Deactivated int
	// Critical symbols are active but one failure from deactivation.
	Critical int
	// Warning symbols are active with at least one consecutive failure.
	Warning int
}

type symbolState struct {
	active        bool
	failCount     int
	lastError     string
	lastFailureMs int64
	lastSuccessMs int64
	deactivatedMs int64
	latency       *ddsketch.DDSketch
}

// Monitor is the per-symbol fetch circuit breaker.
type Monitor struct {
	maxFailures     int
	latencyAccuracy float64

	mu      sync.Mutex
	symbols map[string]*symbolState
}

// NewMonitor creates a monitor that deactivates a symbol after
// maxFailures consecutive failures. latencyAccuracy is the DDSketch
// relative accuracy for latency percentiles.
func NewMonitor(maxFailures int, latencyAccuracy float64) *Monitor {
	return &Monitor{
		maxFailures:     maxFailures,
		latencyAccuracy: latencyAccuracy,
		symbols:         make(map[string]*symbolState),
	}
}

func (m *Monitor) state(symbol string) *symbolState {
	s, ok := m.symbols[symbol]
	if !ok {
		s = &symbolState{active: true}
		m.symbols[symbol] = s
	}
	return s
}

// RecordFailure records one failed fetch. The return value is true only
// on the call that crosses the failure threshold and deactivates the
// symbol; earlier failures and failures after deactivation return false.
func (m *Monitor) RecordFailure(symbol string, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(symbol)
	s.failCount++
	if cause != nil {
		s.lastError = cause.Error()
	}
	s.lastFailureMs = time.Now().UnixMilli()

	if !s.active || s.failCount < m.maxFailures {
		return false
	}
	s.active = false
	s.deactivatedMs = s.lastFailureMs
	logging.Warn("symbol deactivated after repeated fetch failures",
		"symbol", symbol, "failures", s.failCount, "last_error", s.lastError)
	return true
}

// RecordSuccess records one successful fetch. The failure streak resets
// and the last error clears, but a deactivated symbol stays inactive.
func (m *Monitor) RecordSuccess(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(symbol)
	s.failCount = 0
	s.lastError = ""
	s.lastSuccessMs = time.Now().UnixMilli()
}

// ObserveFetchLatency folds one fetch duration into the symbol's
// latency sketch.
func (m *Monitor) ObserveFetchLatency(symbol string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(symbol)
	if s.latency == nil {
		sketch, err := ddsketch.NewDefaultDDSketch(m.latencyAccuracy)
		if err != nil {
			logging.Error("create latency sketch", "symbol", symbol, "error", err)
			return
		}
		s.latency = sketch
	}
	if err := s.latency.Add(float64(d.Milliseconds())); err != nil {
		logging.Debug("record latency sample", "symbol", symbol, "error", err)
	}
}

// IsActive reports whether a symbol is accepting fetches, with its
// current failure streak and last error. Unknown symbols are active.
func (m *Monitor) IsActive(symbol string) (active bool, failCount int, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.symbols[symbol]
	if !ok {
		return true, 0, ""
	}
	return s.active, s.failCount, s.lastError
}

// Reactivate manually returns a deactivated symbol to service, clearing
// its failure streak.
func (m *Monitor) Reactivate(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.symbols[symbol]
	if !ok {
		return cacheerr.ErrSymbolUnknown
	}
	if s.active {
		return cacheerr.ErrSymbolActive
	}
	s.active = true
	s.failCount = 0
	s.lastError = ""
	s.deactivatedMs = 0
	logging.Info("symbol reactivated", "symbol", symbol)
	return nil
}

// Get returns the health snapshot for one symbol.
func (m *Monitor) Get(symbol string) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.symbols[symbol]
	if !ok {
		return Health{}, false
	}
	return snapshot(symbol, s), true
}

// FailedSymbols returns every symbol with at least minFailures in its
// current streak or already deactivated.
func (m *Monitor) FailedSymbols(minFailures int) []Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Health
	for symbol, s := range m.symbols {
		if !s.active || s.failCount >= minFailures {
			out = append(out, snapshot(symbol, s))
		}
	}
	return out
}

// Latency returns the latency percentiles for a symbol. ok is false
// when no latency has been observed.
func (m *Monitor) Latency(symbol string) (LatencyPercentiles, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.symbols[symbol]
	if !ok || s.latency == nil || s.latency.GetCount() == 0 {
		return LatencyPercentiles{}, false
	}
	p := LatencyPercentiles{Count: s.latency.GetCount()}
	p.P50Ms, _ = s.latency.GetValueAtQuantile(0.50)
	p.P90Ms, _ = s.latency.GetValueAtQuantile(0.90)
	p.P95Ms, _ = s.latency.GetValueAtQuantile(0.95)
	p.P99Ms, _ = s.latency.GetValueAtQuantile(0.99)
	return p, true
}

// Stats returns aggregate counts across all tracked symbols.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Symbols: len(m.symbols)}
	for _, s := range m.symbols {
		if !s.active {
			st.Deactivated++
			continue
		}
		st.Active++
		switch {
		case s.failCount >= m.maxFailures-1 && s.failCount > 0:
			st.Critical++
		case s.failCount > 0:
			st.Warning++
		}
	}
	return st
}

func snapshot(symbol string, s *symbolState) Health {
	return Health{
		Symbol:        symbol,
		Active:        s.active,
		FailCount:     s.failCount,
		LastError:     s.lastError,
		LastFailureMs: s.lastFailureMs,
		LastSuccessMs: s.lastSuccessMs,
		DeactivatedMs: s.deactivatedMs,
	}
}
