// Package engine serializes every policy mutation through one worker
// goroutine. Rule changes, persistence and service restarts are
// multi-step sequences with no transactional safety net, so the engine
// guarantees that two mutations never interleave: each request becomes a
// job, and jobs run strictly one at a time in submission order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"pirouter/internal/audit"
	"pirouter/internal/cmdexec"
	"pirouter/internal/leases"
	"pirouter/internal/policy"
	"pirouter/internal/routing"
)

// ErrDomainExists reports adding a domain bypass that is already
// enabled.
var ErrDomainExists = errors.New("domain bypass already enabled")

// VPNSessions is the slice of the VPN layer the engine drives.
type VPNSessions interface {
	Connect(ctx context.Context, name string) error
	Disconnect(ctx context.Context) error
	Active() string
	ReconcileBoot(ctx context.Context, activeProfile string) error
}

// LANConfigurator applies a new LAN address and its dependent-state
// cascade.
type LANConfigurator interface {
	SetLANAddress(ctx context.Context, addr netip.Addr, prefix int) error
}

// ServiceRestarter restarts system services.
type ServiceRestarter interface {
	Restart(ctx context.Context, service string) bool
}

// Engine owns all mutable router state. Construct one, start Run in a
// goroutine, and call the operation methods from any number of callers.
type Engine struct {
	store    *policy.Store
	rules    *routing.Engine
	domains  *routing.DomainManager
	resolver *leases.Resolver
	static   *leases.StaticLeaseFile
	netconf  LANConfigurator
	vpn      VPNSessions
	services ServiceRestarter
	runner   cmdexec.Runner
	audit    *audit.Recorder

	jobs chan job
}

// Deps carries the engine's collaborators.
type Deps struct {
	Store    *policy.Store
	Rules    *routing.Engine
	Domains  *routing.DomainManager
	Resolver *leases.Resolver
	Static   *leases.StaticLeaseFile
	Netconf  LANConfigurator
	VPN      VPNSessions
	Services ServiceRestarter
	Runner   cmdexec.Runner
	Audit    *audit.Recorder
}

type job struct {
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// New creates an engine. Run must be started before operations are
// submitted.
func New(deps Deps) *Engine {
	return &Engine{
		store:    deps.Store,
		rules:    deps.Rules,
		domains:  deps.Domains,
		resolver: deps.Resolver,
		static:   deps.Static,
		netconf:  deps.Netconf,
		vpn:      deps.VPN,
		services: deps.Services,
		runner:   deps.Runner,
		audit:    deps.Audit,
		jobs:     make(chan job, 16),
	}
}

// Run executes jobs until ctx is cancelled. It is the only goroutine
// that touches kernel state or the policy document.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			j.done <- j.fn(ctx)
		}
	}
}

// submit queues fn and waits for it to finish. The caller's ctx only
// bounds the wait; the job itself runs under the engine's ctx so a
// caller hanging up cannot abandon a half-applied mutation.
func (e *Engine) submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	j := job{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return fmt.Errorf("submit %s: %w", name, ctx.Err())
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("await %s: %w", name, ctx.Err())
	}
}

// Policy returns a snapshot of the current policy document.
func (e *Engine) Policy() (policy.Document, error) {
	return e.store.Get()
}

// EnabledDomains lists domains with bypass enabled, for the refresher.
func (e *Engine) EnabledDomains() ([]string, error) {
	doc, err := e.store.Get()
	if err != nil {
		return nil, err
	}
	var enabled []string
	for _, d := range doc.Domains {
		if d.Enabled {
			enabled = append(enabled, d.Domain)
		}
	}
	return enabled, nil
}
