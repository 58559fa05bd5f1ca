package util

import "testing"

func TestGuessGatewayFromIP_DefaultPattern(t *testing.T) {
	gateway, err := guessGatewayFromIP("192.168.10.27")
	if err != nil {
		t.Fatalf("guessGatewayFromIP returned error: %v", err)
	}
	if gateway != "192.168.10.1" {
		t.Fatalf("unexpected gateway: %s", gateway)
	}
}

func TestGuessGatewayFromIP_InvalidInput(t *testing.T) {
	if _, err := guessGatewayFromIP("not-an-ip"); err == nil {
		t.Fatal("expected error for invalid ip")
	}
	if _, err := guessGatewayFromIP("fd00::1"); err == nil {
		t.Fatal("expected error for ipv6 address")
	}
}

func TestInterfaceOperState_MissingInterface(t *testing.T) {
	up, state, err := InterfaceOperState("does-not-exist-0")
	if err != nil {
		t.Fatalf("missing interface should not error: %v", err)
	}
	if up || state != "missing" {
		t.Fatalf("up=%v state=%q", up, state)
	}
}

func TestInterfaceOperState_EmptyName(t *testing.T) {
	if _, _, err := InterfaceOperState(" "); err == nil {
		t.Fatal("expected error for empty interface name")
	}
}
