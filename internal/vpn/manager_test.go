package vpn

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"pirouter/internal/cmdexec"
)

var testKey = base64.StdEncoding.EncodeToString(bytesOf(32, 7))

func bytesOf(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func validConfig() string {
	return "[Interface]\nPrivateKey = " + testKey + "\nAddress = 10.6.0.2/32\n\n[Peer]\nPublicKey = " + testKey + "\nEndpoint = vpn.example.com:51820\nAllowedIPs = 0.0.0.0/0\n"
}

type fakeWG struct {
	devices []*wgtypes.Device
	err     error
}

func (f *fakeWG) Devices() ([]*wgtypes.Device, error) { return f.devices, f.err }
func (f *fakeWG) Close() error                        { return nil }

func dialFake(devices ...string) func() (WGClient, error) {
	return func() (WGClient, error) {
		wg := &fakeWG{}
		for _, name := range devices {
			wg.devices = append(wg.devices, &wgtypes.Device{Name: name})
		}
		return wg, nil
	}
}

func testManager(t *testing.T, dial func() (WGClient, error)) (*Manager, *cmdexec.Mock) {
	t.Helper()
	dir := t.TempDir()
	mock := &cmdexec.Mock{}
	m := NewManagerWithDeps("wg0", filepath.Join(dir, "profiles"), mock, dial)
	m.LiveConfigPath = filepath.Join(dir, "wg0.conf")
	return m, mock
}

func TestValidateConfig(t *testing.T) {
	if err := ValidateConfig(validConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cases := map[string]string{
		"no peer":      "[Interface]\nPrivateKey = " + testKey + "\n",
		"no interface": "[Peer]\nPublicKey = " + testKey + "\n",
		"no key":       "[Interface]\nAddress = 10.6.0.2/32\n[Peer]\n",
		"bad key":      "[Interface]\nPrivateKey = not-a-key\n[Peer]\n",
	}
	for name, content := range cases {
		if err := ValidateConfig(content); err == nil {
			t.Errorf("%s: config accepted", name)
		}
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"home", "work-vpn", "Site_2"} {
		if err := ValidateName(name); err != nil {
			t.Errorf("%q rejected: %v", name, err)
		}
	}
	for _, name := range []string{"", "..", "a/b", "../etc", "-leading", strings.Repeat("x", 70)} {
		if err := ValidateName(name); err == nil {
			t.Errorf("%q accepted", name)
		}
	}
}

func TestProfileStoreRoundTrip(t *testing.T) {
	store := &ProfileStore{Dir: filepath.Join(t.TempDir(), "profiles")}

	if err := store.Add("home", validConfig()); err != nil {
		t.Fatal(err)
	}
	names, err := store.List()
	if err != nil || len(names) != 1 || names[0] != "home" {
		t.Fatalf("List = %v, %v", names, err)
	}
	content, err := store.Read("home")
	if err != nil || content != validConfig() {
		t.Fatalf("Read mismatch: %v", err)
	}

	info, err := os.Stat(filepath.Join(store.Dir, "home.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("profile mode %v, want 0600", info.Mode().Perm())
	}

	if err := store.Delete("home"); err != nil {
		t.Fatal(err)
	}
	if store.Exists("home") {
		t.Fatal("profile survived delete")
	}
}

func TestConnectUnknownProfile(t *testing.T) {
	m, mock := testManager(t, dialFake())

	err := m.Connect(context.Background(), "ghost")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
	if len(mock.Calls) != 0 {
		t.Fatalf("commands ran for unknown profile: %v", mock.CallLines())
	}
}

func TestConnectTearsDownStaleDevicesFirst(t *testing.T) {
	m, mock := testManager(t, dialFake("wg0", "wg-old"))
	if err := m.Profiles.Add("home", validConfig()); err != nil {
		t.Fatal(err)
	}

	if err := m.Connect(context.Background(), "home"); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"wg-quick down wg0",
		"wg-quick down wg-old",
		"wg-quick up wg0",
		"systemctl enable wg-quick@wg0",
	} {
		if !mock.Called(want) {
			t.Errorf("missing: %s\nran:\n%s", want, strings.Join(mock.CallLines(), "\n"))
		}
	}

	if m.State() != StateConnected || m.Active() != "home" {
		t.Fatalf("state=%s active=%s", m.State(), m.Active())
	}

	raw, err := os.ReadFile(m.LiveConfigPath)
	if err != nil {
		t.Fatalf("live config not written: %v", err)
	}
	if string(raw) != validConfig() {
		t.Fatal("live config content mismatch")
	}
	info, _ := os.Stat(m.LiveConfigPath)
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("live config mode %v, want 0600", info.Mode().Perm())
	}
}

func TestTeardownFallsBackToLinkDelete(t *testing.T) {
	m, mock := testManager(t, dialFake("wg-stuck"))
	if err := m.Profiles.Add("home", validConfig()); err != nil {
		t.Fatal(err)
	}
	mock.SetResult("wg-quick down wg-stuck", cmdexec.Result{Success: false, Stderr: "wg-stuck is not a WireGuard interface"})

	if err := m.Connect(context.Background(), "home"); err != nil {
		t.Fatal(err)
	}
	if !mock.Called("ip link delete wg-stuck") {
		t.Fatalf("link delete fallback not used:\n%s", strings.Join(mock.CallLines(), "\n"))
	}
}

func TestConnectFailureEndsDisconnected(t *testing.T) {
	m, mock := testManager(t, dialFake())
	if err := m.Profiles.Add("home", validConfig()); err != nil {
		t.Fatal(err)
	}
	mock.SetResult("wg-quick up wg0", cmdexec.Result{Success: false, Stderr: "Unable to access interface: Operation not permitted"})

	err := m.Connect(context.Background(), "home")
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if !strings.Contains(err.Error(), "Operation not permitted") {
		t.Fatalf("error should carry wg-quick stderr, got %v", err)
	}
	if m.State() != StateDisconnected || m.Active() != "" {
		t.Fatalf("state=%s active=%s after failure", m.State(), m.Active())
	}
}

func TestDisconnect(t *testing.T) {
	m, mock := testManager(t, dialFake("wg0"))
	if err := m.Profiles.Add("home", validConfig()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "home"); err != nil {
		t.Fatal(err)
	}

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateDisconnected || m.Active() != "" {
		t.Fatalf("state=%s active=%s", m.State(), m.Active())
	}
	if !mock.Called("systemctl disable wg-quick@wg0") {
		t.Fatal("boot persistence not disabled")
	}
}

func TestDeleteActiveProfileRefused(t *testing.T) {
	m, _ := testManager(t, dialFake())
	if err := m.Profiles.Add("home", validConfig()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "home"); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteProfile("home"); !errors.Is(err, ErrProfileActive) {
		t.Fatalf("expected ErrProfileActive, got %v", err)
	}
	if !m.Profiles.Exists("home") {
		t.Fatal("active profile was deleted")
	}
}

func TestReconcileBootRestoresRecordedSession(t *testing.T) {
	m, mock := testManager(t, dialFake())
	if err := m.Profiles.Add("home", validConfig()); err != nil {
		t.Fatal(err)
	}

	if err := m.ReconcileBoot(context.Background(), "home"); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateConnected || m.Active() != "home" {
		t.Fatalf("state=%s active=%s", m.State(), m.Active())
	}
	if !mock.Called("wg-quick up wg0") {
		t.Fatal("tunnel not brought up on boot")
	}
}

func TestReconcileBootAdoptsRunningTunnel(t *testing.T) {
	m, mock := testManager(t, dialFake("wg0"))
	if err := m.Profiles.Add("home", validConfig()); err != nil {
		t.Fatal(err)
	}

	if err := m.ReconcileBoot(context.Background(), "home"); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateConnected || m.Active() != "home" {
		t.Fatalf("state=%s active=%s", m.State(), m.Active())
	}
	// The running tunnel must not be torn down and brought back up.
	if len(mock.Calls) != 0 {
		t.Fatalf("live tunnel disturbed on boot: %v", mock.CallLines())
	}
}

func TestReconcileBootWithMissingProfileTearsDown(t *testing.T) {
	m, mock := testManager(t, dialFake())

	if err := m.ReconcileBoot(context.Background(), "vanished"); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state=%s", m.State())
	}
	if mock.Called("wg-quick up wg0") {
		t.Fatal("tunnel brought up for a missing profile")
	}
}
