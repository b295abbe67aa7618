package work

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive failures for one resource.
//
// On success the circuit closes and failures reset. On failure the count
// grows and, once it reaches the trip threshold, the circuit opens for an
// exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

func (s *circuitStore) get(key string) *circuitState {
	if s == nil {
		return nil
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}

	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[k]
	if st == nil {
		st = &circuitState{}
		s.m[k] = st
	}
	s.mu.Unlock()
	return st
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(cfg Config) circuitCfg {
	trip := cfg.CircuitTrip
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return circuitCfg{enabled: false}
	}
	base := cfg.CircuitBaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxD := cfg.CircuitMaxDelay
	if maxD <= 0 {
		maxD = 2 * time.Minute
	}
	reset := cfg.CircuitResetAfter
	if reset <= 0 {
		reset = 5 * time.Minute
	}
	return circuitCfg{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: reset, enabled: true}
}

func (p *Pool) circuitIsOpen(now time.Time, resourceID string, cfg Config) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg)
	if !cc.enabled {
		return false, time.Time{}
	}
	st := p.circuits.get(resourceID)
	if st == nil {
		return false, time.Time{}
	}

	p.circuits.mu.Lock()
	defer p.circuits.mu.Unlock()

	// Opportunistic reset if the last failure was long ago.
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (p *Pool) circuitRecordResult(now time.Time, resourceID string, cfg Config, err error) {
	cc := effectiveCircuitCfg(cfg)
	if !cc.enabled {
		return
	}
	st := p.circuits.get(resourceID)
	if st == nil {
		return
	}

	p.circuits.mu.Lock()
	defer p.circuits.mu.Unlock()

	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now

	if st.fails < cc.trip {
		return
	}

	// Exponential cooldown after tripping.
	pow := st.fails - cc.trip
	d := cc.baseDelay
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= cc.maxDelay {
			d = cc.maxDelay
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}

func (p *Pool) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	cc := effectiveCircuitCfg(cfg)
	if !cc.enabled {
		return 0, 0
	}

	p.circuits.mu.Lock()
	defer p.circuits.mu.Unlock()
	if p.circuits.m == nil {
		return 0, 0
	}
	total = len(p.circuits.m)
	for _, st := range p.circuits.m {
		if st == nil {
			continue
		}
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
