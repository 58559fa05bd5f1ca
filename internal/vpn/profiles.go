// Package vpn manages WireGuard profiles and the single live tunnel
// session. One interface (wg0 by default) carries whichever profile is
// active; switching profiles tears the old session down completely
// before the new one comes up.
package vpn

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ProfileStore keeps uploaded WireGuard configurations as individual
// .conf files under one directory, separate from the live interface
// config so an upload can never clobber a running tunnel.
type ProfileStore struct {
	Dir string
}

// ValidateName rejects profile names that could escape the profile
// directory or collide with the live interface name.
func ValidateName(name string) error {
	if !profileNamePattern.MatchString(name) {
		return fmt.Errorf("invalid profile name %q", name)
	}
	return nil
}

// ValidateConfig checks that content looks like a usable wg-quick
// configuration: an [Interface] section with a parseable private key and
// at least one [Peer].
func ValidateConfig(content string) error {
	hasInterface := false
	hasPeer := false
	var privateKey string
	section := ""
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			switch section {
			case "interface":
				hasInterface = true
			case "peer":
				hasPeer = true
			}
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if section == "interface" && strings.EqualFold(strings.TrimSpace(key), "PrivateKey") {
			privateKey = strings.TrimSpace(value)
		}
	}

	if !hasInterface {
		return fmt.Errorf("config has no [Interface] section")
	}
	if !hasPeer {
		return fmt.Errorf("config has no [Peer] section")
	}
	if privateKey == "" {
		return fmt.Errorf("config has no PrivateKey")
	}
	if _, err := wgtypes.ParseKey(privateKey); err != nil {
		return fmt.Errorf("invalid PrivateKey: %w", err)
	}
	return nil
}

// List returns the stored profile names, without the .conf suffix.
func (s *ProfileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(entry.Name(), ".conf"); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Exists reports whether a profile is stored under name.
func (s *ProfileStore) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Add validates and stores a profile. Key material, so 0600.
func (s *ProfileStore) Add(name, content string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ValidateConfig(content); err != nil {
		return fmt.Errorf("profile %s: %w", name, err)
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return err
	}
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(name))
}

// Read returns a stored profile's content.
func (s *ProfileStore) Read(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Delete removes a stored profile. The caller is responsible for
// refusing to delete the active one.
func (s *ProfileStore) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *ProfileStore) path(name string) string {
	return filepath.Join(s.Dir, name+".conf")
}
