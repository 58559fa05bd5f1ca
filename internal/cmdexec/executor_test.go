package cmdexec

import (
	"context"
	"testing"
	"time"
)

func TestRunCapturesOutputAndExitStatus(t *testing.T) {
	runner := OSRunner{}

	result := runner.Run(context.Background(), "sh", "-c", "echo out; echo err 1>&2")
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Stdout != "out\n" {
		t.Fatalf("unexpected stdout %q", result.Stdout)
	}
	if result.Stderr != "err\n" {
		t.Fatalf("unexpected stderr %q", result.Stderr)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	runner := OSRunner{}

	result := runner.Run(context.Background(), "sh", "-c", "echo broken 1>&2; exit 3")
	if result.Success {
		t.Fatal("expected failure result")
	}
	if result.Output() != "broken\n" {
		t.Fatalf("expected stderr fallback, got %q", result.Output())
	}
}

func TestRunHonoursTimeout(t *testing.T) {
	runner := OSRunner{Timeout: 50 * time.Millisecond}

	start := time.Now()
	result := runner.Run(context.Background(), "sleep", "5")
	if result.Success {
		t.Fatal("expected timed-out command to fail")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}
}

func TestMockRecordsCallsAndServesConfiguredResults(t *testing.T) {
	mock := &Mock{}
	mock.SetResult("ip rule show", Result{Success: true, Stdout: "0: from all lookup local\n"})

	if got := mock.Run(context.Background(), "ip", "rule", "show"); got.Stdout == "" {
		t.Fatalf("expected configured output, got %+v", got)
	}
	if got := mock.Run(context.Background(), "iptables", "-L"); !got.Success {
		t.Fatalf("unconfigured call should default to success, got %+v", got)
	}
	if !mock.Called("iptables -L") {
		t.Fatalf("call not recorded: %v", mock.CallLines())
	}
}
