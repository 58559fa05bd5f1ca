// Package cmdexec runs external system commands (ip, iptables, wg-quick,
// conntrack, service control) and reports their outcome as a value. A
// non-zero exit is not a Go error: callers inspect Result.Success and the
// captured output and decide what failure means for them.
package cmdexec

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds commands whose context carries no deadline.
// Service restarts and tunnel bring-up are the calls most likely to hang.
const DefaultTimeout = 30 * time.Second

// Result captures the outcome of one external command.
type Result struct {
	Success bool
	Stdout  string
	Stderr  string
}

// Output returns stdout, falling back to stderr when stdout is empty.
// Failed commands usually only say why on stderr.
func (r Result) Output() string {
	if strings.TrimSpace(r.Stdout) != "" {
		return r.Stdout
	}
	return r.Stderr
}

// Runner abstracts command execution for ip/iptables/wg/dnsmasq operations.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) Result
}

// OSRunner executes commands on the host.
type OSRunner struct {
	// Timeout replaces DefaultTimeout when positive.
	Timeout time.Duration
}

func (r OSRunner) Run(ctx context.Context, name string, args ...string) Result {
	if _, ok := ctx.Deadline(); !ok {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return Result{
		Success: err == nil,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
}
