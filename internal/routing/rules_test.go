package routing

import (
	"context"
	"strings"
	"testing"

	"pirouter/internal/cmdexec"
)

func testEngine() (*Engine, *cmdexec.Mock) {
	mock := &cmdexec.Mock{}
	engine := NewEngine(Config{
		WANInterface:    "eth0",
		LANInterface:    "eth1",
		BridgeInterface: "br0",
		LANAddress:      "192.168.10.1",
		Gateway:         "10.0.0.1",
	}, mock)
	return engine, mock
}

func countLines(mock *cmdexec.Mock, line string) int {
	n := 0
	for _, call := range mock.CallLines() {
		if call == line {
			n++
		}
	}
	return n
}

func TestEnsureInfrastructure(t *testing.T) {
	engine, mock := testEngine()

	if err := engine.EnsureInfrastructure(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"ip route replace default via 10.0.0.1 dev eth0 table 100",
		"ip rule add fwmark 100 table 100 priority 1",
		"iptables -t nat -D POSTROUTING -o eth0 -m mark --mark 100 -j MASQUERADE",
		"iptables -t nat -A POSTROUTING -o eth0 -m mark --mark 100 -j MASQUERADE",
	} {
		if !mock.Called(want) {
			t.Errorf("missing command: %s\nran:\n%s", want, strings.Join(mock.CallLines(), "\n"))
		}
	}

	// Only marked (bypass) traffic is masqueraded; everything else keeps
	// the tunnel's own NAT.
	for _, line := range mock.CallLines() {
		if strings.Contains(line, "MASQUERADE") && !strings.Contains(line, "--mark 100") {
			t.Fatalf("masquerade rule lacks mark match: %s", line)
		}
	}
}

func TestEnsureInfrastructureSkipsExistingMarkRule(t *testing.T) {
	engine, mock := testEngine()
	mock.SetResult("ip rule list", cmdexec.Result{
		Success: true,
		Stdout:  "0:\tfrom all lookup local\n1:\tfrom all fwmark 0x64 lookup 100\n",
	})

	if err := engine.EnsureInfrastructure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mock.Called("ip rule add fwmark 100 table 100 priority 1") {
		t.Fatal("fwmark rule added although already present")
	}
}

func TestApplyDeviceBypassInstallsFullRuleSet(t *testing.T) {
	engine, mock := testEngine()

	if err := engine.ApplyDeviceBypass(context.Background(), "192.168.10.23", true); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"iptables -t mangle -A PREROUTING -i eth1 -s 192.168.10.23 ! -d 192.168.10.1 -j MARK --set-mark 100",
		"iptables -A FORWARD -i eth1 -o eth0 -s 192.168.10.23 -j ACCEPT",
		"iptables -A FORWARD -i eth0 -o eth1 -d 192.168.10.23 -m state --state ESTABLISHED,RELATED -j ACCEPT",
		"iptables -A FORWARD -i br0 -o eth1 -d 192.168.10.23 -m state --state ESTABLISHED,RELATED -j ACCEPT",
		"ip route flush cache",
		"conntrack -D -s 192.168.10.23",
		"conntrack -D -d 192.168.10.23",
	} {
		if !mock.Called(want) {
			t.Errorf("missing command: %s\nran:\n%s", want, strings.Join(mock.CallLines(), "\n"))
		}
	}
}

func TestApplyDeviceBypassIsIdempotent(t *testing.T) {
	engine, mock := testEngine()
	ctx := context.Background()

	if err := engine.ApplyDeviceBypass(ctx, "192.168.10.23", true); err != nil {
		t.Fatal(err)
	}
	if err := engine.ApplyDeviceBypass(ctx, "192.168.10.23", true); err != nil {
		t.Fatal(err)
	}

	// Each add is preceded by a delete, so reapplying never stacks a
	// second copy of any rule.
	add := "iptables -A FORWARD -i eth1 -o eth0 -s 192.168.10.23 -j ACCEPT"
	del := "iptables -D FORWARD -i eth1 -o eth0 -s 192.168.10.23 -j ACCEPT"
	if got := countLines(mock, add); got != 2 {
		t.Fatalf("expected 2 adds, got %d", got)
	}
	if got := countLines(mock, del); got != 2 {
		t.Fatalf("expected a delete before every add, got %d", got)
	}
	for _, line := range mock.CallLines() {
		if strings.HasPrefix(line, "iptables -A") && countLines(mock, strings.Replace(line, " -A ", " -D ", 1)) < 2 {
			t.Fatalf("add without matching deletes: %s", line)
		}
	}
}

func TestApplyDeviceBypassDisableOnlyDeletes(t *testing.T) {
	engine, mock := testEngine()

	if err := engine.ApplyDeviceBypass(context.Background(), "192.168.10.23", false); err != nil {
		t.Fatal(err)
	}

	for _, line := range mock.CallLines() {
		if strings.Contains(line, "iptables -A") || strings.Contains(line, "iptables -t mangle -A") {
			t.Fatalf("disable must not add rules, ran: %s", line)
		}
	}
	if !mock.Called("iptables -D FORWARD -i eth1 -o eth0 -s 192.168.10.23 -j ACCEPT") {
		t.Fatal("disable did not delete the forward accept")
	}
}

func TestApplyDeviceBypassSurfacesAddFailure(t *testing.T) {
	engine, mock := testEngine()
	mock.SetResult("iptables -A FORWARD -i eth1 -o eth0 -s 192.168.10.23 -j ACCEPT",
		cmdexec.Result{Success: false, Stderr: "iptables: No chain/target/match by that name."})

	err := engine.ApplyDeviceBypass(context.Background(), "192.168.10.23", true)
	if err == nil {
		t.Fatal("expected error from failed rule add")
	}
	if !strings.Contains(err.Error(), "No chain/target/match") {
		t.Fatalf("error should carry command stderr, got: %v", err)
	}
}

func TestApplyDomainBypassMarksByDestination(t *testing.T) {
	engine, mock := testEngine()

	if err := engine.ApplyDomainBypass(context.Background(), "142.250.74.110", true); err != nil {
		t.Fatal(err)
	}

	if !mock.Called("iptables -t mangle -A PREROUTING -i eth1 -d 142.250.74.110 -j MARK --set-mark 100") {
		t.Fatalf("missing destination mark rule, ran:\n%s", strings.Join(mock.CallLines(), "\n"))
	}
	for _, line := range mock.CallLines() {
		// Domain bypass must not install per-device FORWARD accepts.
		if strings.HasPrefix(line, "iptables -A FORWARD") {
			t.Fatalf("unexpected forward rule for domain bypass: %s", line)
		}
	}
}

func TestKillSwitch(t *testing.T) {
	engine, mock := testEngine()
	ctx := context.Background()

	if err := engine.ApplyKillSwitch(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !mock.Called("iptables -D FORWARD -i eth1 -o eth0 -m comment --comment KILLSWITCH -j REJECT") {
		t.Fatal("engage must delete a stale copy first")
	}
	if !mock.Called("iptables -I FORWARD 1 -i eth1 -o eth0 -m comment --comment KILLSWITCH -j REJECT") {
		t.Fatalf("reject not inserted at position 1, ran:\n%s", strings.Join(mock.CallLines(), "\n"))
	}

	mock.Calls = nil
	if err := engine.ApplyKillSwitch(ctx, false); err != nil {
		t.Fatal(err)
	}
	for _, line := range mock.CallLines() {
		if strings.Contains(line, "-I FORWARD") {
			t.Fatalf("disengage must not insert, ran: %s", line)
		}
	}
}
