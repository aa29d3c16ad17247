package queue

import "golang.org/x/time/rate"

// OwnerConfig overrides the limits for a single job owner.
type OwnerConfig struct {
	Owner string

	// RateLimit is the sustained run starts per second for this owner.
	RateLimit float64
	RateBurst int

	// MaxConcurrency caps simultaneous runs for this owner. Zero falls
	// back to the manager-wide owner limit.
	MaxConcurrency int
}

type ownerState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
	configured     bool
}

// SetOwnerLimit caps simultaneous runs per owner for owners without an
// explicit OwnerConfig. Zero disables the cap.
func (m *Manager) SetOwnerLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ownerLimit = n
	for _, ow := range m.owners {
		if !ow.configured {
			ow.maxConcurrency = n
		}
	}
}

// SetOwnerConfig configures limits for one owner, replacing any previous
// configuration and keeping the active count.
func (m *Manager) SetOwnerConfig(cfg OwnerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ow := &ownerState{maxConcurrency: cfg.MaxConcurrency, configured: true}
	if ow.maxConcurrency == 0 {
		ow.maxConcurrency = m.ownerLimit
	}
	if cfg.RateLimit > 0 {
		ow.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	if existing := m.owners[cfg.Owner]; existing != nil {
		ow.active = existing.active
	}
	m.owners[cfg.Owner] = ow
}

// OwnerActiveCount returns the number of active runs for an owner.
func (m *Manager) OwnerActiveCount(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ow := m.owners[owner]; ow != nil {
		return ow.active
	}
	return 0
}

// ownerLocked returns the state for owner, creating it on first use when
// an owner-wide limit applies. Anonymous runs are never owner-limited.
func (m *Manager) ownerLocked(owner string) *ownerState {
	if owner == "" {
		return nil
	}
	ow := m.owners[owner]
	if ow == nil && m.ownerLimit > 0 {
		ow = &ownerState{maxConcurrency: m.ownerLimit}
		m.owners[owner] = ow
	}
	return ow
}
