// Package services controls system services across the init systems
// found on router images. Not every target runs systemd, so each action
// walks an ordered fallback chain and the first mechanism that succeeds
// wins.
package services

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"pirouter/internal/cmdexec"
)

// Controller restarts, starts, stops and reloads system services.
type Controller struct {
	runner  cmdexec.Runner
	initDir string
}

// NewController creates a controller over runner using /etc/init.d for
// init scripts.
func NewController(runner cmdexec.Runner) *Controller {
	return &Controller{runner: runner, initDir: "/etc/init.d"}
}

// NewControllerWithInitDir is NewController with the init script
// directory overridden, for tests.
func NewControllerWithInitDir(runner cmdexec.Runner, initDir string) *Controller {
	return &Controller{runner: runner, initDir: initDir}
}

// attempt is one strategy in the fallback chain.
type attempt struct {
	name string
	args []string
}

// chain builds the fallback order for one action on one service:
// the service's own init script, the service(8) wrapper, then systemctl.
// The init script is only tried when it exists, so systemd-only images
// skip straight to the wrappers.
func (c *Controller) chain(service, action string) []attempt {
	var attempts []attempt
	script := filepath.Join(c.initDir, service)
	if _, err := os.Stat(script); err == nil {
		attempts = append(attempts, attempt{script, []string{action}})
	}
	attempts = append(attempts,
		attempt{"service", []string{service, action}},
		attempt{"systemctl", []string{action, service}},
	)
	return attempts
}

// run walks the chain and reports whether any mechanism succeeded.
// Intermediate failures stay silent since they are expected on images
// missing that init system; only total failure logs.
func (c *Controller) run(ctx context.Context, service, action string) bool {
	var last cmdexec.Result
	for _, a := range c.chain(service, action) {
		last = c.runner.Run(ctx, a.name, a.args...)
		if last.Success {
			return true
		}
	}
	log.Printf("warning: %s %s failed on every init system: %s", action, service, last.Output())
	return false
}

// Restart restarts service, reporting whether any mechanism succeeded.
func (c *Controller) Restart(ctx context.Context, service string) bool {
	return c.run(ctx, service, "restart")
}

// Start starts service.
func (c *Controller) Start(ctx context.Context, service string) bool {
	return c.run(ctx, service, "start")
}

// Stop stops service.
func (c *Controller) Stop(ctx context.Context, service string) bool {
	return c.run(ctx, service, "stop")
}

// Reload asks service to re-read its configuration. Some services lack a
// reload action entirely, so callers treat a false return as advisory.
func (c *Controller) Reload(ctx context.Context, service string) bool {
	return c.run(ctx, service, "reload")
}
