package routing

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often enabled domains are re-resolved.
// An hour keeps rules fresh for CDN-backed domains without hammering the
// resolver.
const DefaultRefreshInterval = time.Hour

// RefreshFunc re-resolves every enabled domain and reconciles its rules.
// The caller owns serialization with other rule mutations; the refresher
// only decides when to run it.
type RefreshFunc func(ctx context.Context) error

// Refresher periodically invokes a refresh function, on a fixed interval
// and on demand via TriggerNow.
type Refresher struct {
	refreshFn RefreshFunc
	interval  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

// NewRefresher creates a refresher. A zero interval uses the default.
func NewRefresher(refresh RefreshFunc, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{
		refreshFn: refresh,
		interval:  interval,
		trigger:   make(chan struct{}, 1),
	}
}

// Start launches the refresh loop. Calling Start on a running refresher
// is a no-op.
func (r *Refresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop halts the loop and waits for an in-flight refresh to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// TriggerNow requests an immediate refresh without waiting for the next
// tick. Coalesces if a trigger is already pending.
func (r *Refresher) TriggerNow() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Refresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		r.refresh(ctx)
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := r.refreshFn(refreshCtx); err != nil {
		log.Printf("warning: domain refresh: %v", err)
	}
}
