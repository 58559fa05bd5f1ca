package engine

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"pirouter/internal/leases"
	"pirouter/internal/policy"
)

// watchDebounce coalesces the burst of writes dnsmasq makes when it
// rewrites the lease table.
const watchDebounce = 500 * time.Millisecond

// WatchLeases follows the dnsmasq lease table and re-syncs device bypass
// rules whenever a bypassed device's address changes, so a DHCP renewal
// onto a new address never leaves the device routed through the tunnel.
// Blocks until ctx is cancelled.
func (e *Engine) WatchLeases(ctx context.Context, leaseTablePath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: dnsmasq replaces the lease
	// table by rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(leaseTablePath)); err != nil {
		return err
	}
	target := filepath.Clean(leaseTablePath)

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				fire = debounce.C
			} else {
				debounce.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("warning: lease watcher: %v", err)
		case <-fire:
			debounce = nil
			fire = nil
			if err := e.SyncLeases(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("warning: lease sync: %v", err)
			}
		}
	}
}

// SyncLeases reconciles bypass rules for every bypassed device against
// the current lease table. Devices whose address changed get their old
// rules removed and new ones installed.
func (e *Engine) SyncLeases(ctx context.Context) error {
	return e.submit(ctx, "lease sync", func(ctx context.Context) error {
		doc, err := e.store.Get()
		if err != nil {
			return err
		}

		type move struct {
			mac, oldIP, newIP string
		}
		var moves []move
		for _, device := range doc.Devices {
			if !device.BypassVPN {
				continue
			}
			ip, err := e.resolver.Resolve(device.MAC)
			if errors.Is(err, leases.ErrNoLease) {
				continue
			}
			if err != nil {
				return err
			}
			if ip != device.IP {
				moves = append(moves, move{device.MAC, device.IP, ip})
			}
		}
		if len(moves) == 0 {
			return nil
		}

		for _, mv := range moves {
			log.Printf("device %s moved %s -> %s, re-syncing bypass rules", mv.mac, mv.oldIP, mv.newIP)
			if mv.oldIP != "" {
				if err := e.rules.ApplyDeviceBypass(ctx, mv.oldIP, false); err != nil {
					return err
				}
			}
			if err := e.rules.ApplyDeviceBypass(ctx, mv.newIP, true); err != nil {
				return err
			}
		}

		return e.store.Mutate(func(doc *policy.Document) error {
			for _, mv := range moves {
				if device := doc.Device(mv.mac); device != nil {
					device.IP = mv.newIP
				}
			}
			return nil
		})
	})
}
