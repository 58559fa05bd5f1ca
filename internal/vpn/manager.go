package vpn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pirouter/internal/cmdexec"
)

// State is the session lifecycle phase.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// tunnelTimeout bounds wg-quick invocations. Bringing a tunnel up can
// block on DNS and handshakes well past the default command timeout.
const tunnelTimeout = 2 * time.Minute

// ErrProfileNotFound reports a connect request for a profile that is not
// stored.
var ErrProfileNotFound = errors.New("vpn profile not found")

// ErrProfileActive reports an attempt to delete the profile backing the
// live session.
var ErrProfileActive = errors.New("vpn profile is active")

// PeerStatus is one peer's live counters from the kernel.
type PeerStatus struct {
	PublicKey     string    `json:"publicKey"`
	Endpoint      string    `json:"endpoint,omitempty"`
	LastHandshake time.Time `json:"lastHandshake"`
	ReceiveBytes  int64     `json:"receiveBytes"`
	TransmitBytes int64     `json:"transmitBytes"`
}

// Status is a point-in-time view of the session.
type Status struct {
	State         State        `json:"state"`
	ActiveProfile string       `json:"activeProfile,omitempty"`
	Interface     string       `json:"interface"`
	Up            bool         `json:"up"`
	Peers         []PeerStatus `json:"peers,omitempty"`
}

// Manager owns the single live WireGuard session. All transitions run
// under one mutex, so a connect racing a disconnect serializes instead
// of interleaving wg-quick invocations.
type Manager struct {
	Interface      string
	LiveConfigPath string
	Profiles       *ProfileStore

	runner cmdexec.Runner
	dialWG func() (WGClient, error)

	mu     sync.Mutex
	state  State
	active string
}

// NewManager creates a session manager for iface, reading profiles from
// profileDir.
func NewManager(iface, profileDir string, runner cmdexec.Runner) *Manager {
	return &Manager{
		Interface:      iface,
		LiveConfigPath: fmt.Sprintf("/etc/wireguard/%s.conf", iface),
		Profiles:       &ProfileStore{Dir: profileDir},
		runner:         runner,
		dialWG:         DialWG,
		state:          StateDisconnected,
	}
}

// NewManagerWithDeps is NewManager with the wgctrl dialer overridden,
// for tests.
func NewManagerWithDeps(iface, profileDir string, runner cmdexec.Runner, dial func() (WGClient, error)) *Manager {
	m := NewManager(iface, profileDir, runner)
	m.dialWG = dial
	return m
}

// Active returns the profile backing the live session, or empty.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect activates profile name. Any live session is torn down first,
// whatever interface it runs on, so a half-dead tunnel left by a crash
// never survives into the new session. On failure the session ends
// disconnected, never half-up.
func (m *Manager) Connect(ctx context.Context, name string) error {
	if !m.Profiles.Exists(name) {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}

	ctx, cancel := context.WithTimeout(ctx, tunnelTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateConnecting

	m.teardownAll(ctx)

	content, err := m.Profiles.Read(name)
	if err != nil {
		m.state = StateDisconnected
		m.active = ""
		return err
	}
	if err := m.writeLiveConfig(content); err != nil {
		m.state = StateDisconnected
		m.active = ""
		return err
	}

	if res := m.runner.Run(ctx, "wg-quick", "up", m.Interface); !res.Success {
		m.state = StateDisconnected
		m.active = ""
		return fmt.Errorf("wg-quick up %s: %s", m.Interface, res.Output())
	}

	// Best-effort boot persistence; non-systemd images just log.
	unit := fmt.Sprintf("wg-quick@%s", m.Interface)
	if res := m.runner.Run(ctx, "systemctl", "enable", unit); !res.Success {
		log.Printf("warning: enabling %s: %s", unit, res.Output())
	}

	m.state = StateConnected
	m.active = name
	return nil
}

// Disconnect tears the session down. It always ends disconnected; a
// failed wg-quick down falls through to deleting the link directly.
func (m *Manager) Disconnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, tunnelTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnecting

	m.teardownAll(ctx)

	unit := fmt.Sprintf("wg-quick@%s", m.Interface)
	if res := m.runner.Run(ctx, "systemctl", "disable", unit); !res.Success {
		log.Printf("warning: disabling %s: %s", unit, res.Output())
	}

	m.state = StateDisconnected
	m.active = ""
	return nil
}

// DeleteProfile removes a stored profile, refusing to delete the one
// backing the live session.
func (m *Manager) DeleteProfile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == m.active && m.active != "" {
		return fmt.Errorf("%w: %s", ErrProfileActive, name)
	}
	return m.Profiles.Delete(name)
}

// Status reports the session state plus live peer counters from the
// kernel when the interface is up.
func (m *Manager) Status() Status {
	m.mu.Lock()
	status := Status{
		State:         m.state,
		ActiveProfile: m.active,
		Interface:     m.Interface,
	}
	m.mu.Unlock()

	client, err := m.dialWG()
	if err != nil {
		return status
	}
	defer client.Close()

	devices, err := client.Devices()
	if err != nil {
		return status
	}
	for _, device := range devices {
		if device.Name != m.Interface {
			continue
		}
		status.Up = true
		for _, peer := range device.Peers {
			ps := PeerStatus{
				PublicKey:     peer.PublicKey.String(),
				LastHandshake: peer.LastHandshakeTime,
				ReceiveBytes:  peer.ReceiveBytes,
				TransmitBytes: peer.TransmitBytes,
			}
			if peer.Endpoint != nil {
				ps.Endpoint = peer.Endpoint.String()
			}
			status.Peers = append(status.Peers, ps)
		}
	}
	return status
}

// ReconcileBoot restores the session recorded as active before the last
// shutdown. An empty or missing profile means ensure everything is down.
// When the interface is already up (the enabled wg-quick@ unit beat us to
// it) the running tunnel is adopted rather than bounced.
func (m *Manager) ReconcileBoot(ctx context.Context, activeProfile string) error {
	if activeProfile == "" {
		return m.Disconnect(ctx)
	}
	if !m.Profiles.Exists(activeProfile) {
		log.Printf("warning: recorded active profile %s no longer exists", activeProfile)
		return m.Disconnect(ctx)
	}
	for _, name := range m.liveDevices() {
		if name != m.Interface {
			continue
		}
		m.mu.Lock()
		m.state = StateConnected
		m.active = activeProfile
		m.mu.Unlock()
		return nil
	}
	return m.Connect(ctx, activeProfile)
}

// teardownAll downs every live WireGuard device, not just our own
// interface. wg-quick down cleans routes and firewall entries; when it
// fails (config already gone, interface created by hand) the link is
// deleted directly so the kernel state is gone either way.
func (m *Manager) teardownAll(ctx context.Context) {
	names := m.liveDevices()
	if len(names) == 0 {
		// No visibility into live devices; still make sure our own
		// interface is gone.
		names = []string{m.Interface}
	}
	for _, name := range names {
		if res := m.runner.Run(ctx, "wg-quick", "down", name); res.Success {
			continue
		}
		m.runner.Run(ctx, "ip", "link", "delete", name)
	}
}

func (m *Manager) liveDevices() []string {
	client, err := m.dialWG()
	if err != nil {
		return nil
	}
	defer client.Close()

	devices, err := client.Devices()
	if err != nil {
		return nil
	}
	var names []string
	for _, device := range devices {
		names = append(names, device.Name)
	}
	return names
}

func (m *Manager) writeLiveConfig(content string) error {
	if err := os.MkdirAll(filepath.Dir(m.LiveConfigPath), 0o700); err != nil {
		return err
	}
	tmp := m.LiveConfigPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.LiveConfigPath)
}
