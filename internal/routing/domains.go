package routing

import (
	"context"
	"log"
	"sync"
)

// DomainManager keeps domain bypasses aligned with live DNS. It remembers
// which addresses each enabled domain currently has rules for, so that a
// later refresh (or a disable) can remove exactly what was installed even
// after the domain's records have rotated.
type DomainManager struct {
	engine   *Engine
	resolver AddressResolver

	mu        sync.Mutex
	installed map[string][]string
}

// NewDomainManager creates a manager over engine and resolver.
func NewDomainManager(engine *Engine, resolver AddressResolver) *DomainManager {
	return &DomainManager{
		engine:    engine,
		resolver:  resolver,
		installed: make(map[string][]string),
	}
}

// Enable resolves domain and installs bypass rules for each address.
// Zero resolved addresses is a recorded no-op, not an error: the policy
// stays enabled and the next refresh picks up whatever DNS returns then.
// Returns the addresses rules were installed for.
func (m *DomainManager) Enable(ctx context.Context, domain string) ([]string, error) {
	addrs, err := m.resolver.LookupIPv4(ctx, domain)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		log.Printf("warning: %s resolved to no addresses, rules deferred to next refresh", domain)
	}
	for _, ip := range addrs {
		if err := m.engine.ApplyDomainBypass(ctx, ip, true); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.installed[domain] = addrs
	m.mu.Unlock()
	return addrs, nil
}

// Disable removes bypass rules for domain: both the remembered installed
// addresses and whatever the domain resolves to right now, since records
// may have rotated since the rules went in. Resolution failure during
// disable only logs; the remembered set is still cleaned up.
func (m *DomainManager) Disable(ctx context.Context, domain string) error {
	m.mu.Lock()
	remembered := m.installed[domain]
	delete(m.installed, domain)
	m.mu.Unlock()

	targets := make(map[string]bool)
	for _, ip := range remembered {
		targets[ip] = true
	}
	current, err := m.resolver.LookupIPv4(ctx, domain)
	if err != nil {
		log.Printf("warning: resolving %s during disable: %v", domain, err)
	}
	for _, ip := range current {
		targets[ip] = true
	}

	for ip := range targets {
		if err := m.engine.ApplyDomainBypass(ctx, ip, false); err != nil {
			return err
		}
	}
	return nil
}

// Refresh re-resolves every enabled domain and reconciles rules against
// the remembered set: new addresses gain rules, vanished addresses lose
// theirs. Domains no longer in enabled have all their rules removed.
// Per-domain failures log and continue so one dead zone cannot stall the
// rest.
func (m *DomainManager) Refresh(ctx context.Context, enabled []string) {
	want := make(map[string]bool, len(enabled))
	for _, domain := range enabled {
		want[domain] = true
	}

	m.mu.Lock()
	var stale []string
	for domain := range m.installed {
		if !want[domain] {
			stale = append(stale, domain)
		}
	}
	m.mu.Unlock()

	for _, domain := range stale {
		if err := m.Disable(ctx, domain); err != nil {
			log.Printf("warning: removing rules for %s: %v", domain, err)
		}
	}

	for _, domain := range enabled {
		if err := m.refreshOne(ctx, domain); err != nil {
			log.Printf("warning: refreshing %s: %v", domain, err)
		}
	}
}

func (m *DomainManager) refreshOne(ctx context.Context, domain string) error {
	addrs, err := m.resolver.LookupIPv4(ctx, domain)
	if err != nil {
		return err
	}

	m.mu.Lock()
	previous := m.installed[domain]
	m.mu.Unlock()

	had := make(map[string]bool, len(previous))
	for _, ip := range previous {
		had[ip] = true
	}
	have := make(map[string]bool, len(addrs))
	for _, ip := range addrs {
		have[ip] = true
	}

	for _, ip := range addrs {
		if !had[ip] {
			if err := m.engine.ApplyDomainBypass(ctx, ip, true); err != nil {
				return err
			}
		}
	}
	for _, ip := range previous {
		if !have[ip] {
			if err := m.engine.ApplyDomainBypass(ctx, ip, false); err != nil {
				return err
			}
		}
	}

	m.mu.Lock()
	m.installed[domain] = addrs
	m.mu.Unlock()
	return nil
}

// Installed returns the addresses currently holding rules for domain.
func (m *DomainManager) Installed(domain string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.installed[domain]...)
}
