package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"strings"
	"time"

	"pirouter/internal/audit"
	"pirouter/internal/leases"
	"pirouter/internal/policy"
)

// SetDeviceBypass enables or disables VPN bypass for a device. The
// policy is always recorded; rules are only touched when the device's
// address is known. A device without a lease gets its rules on the next
// lease event.
func (e *Engine) SetDeviceBypass(ctx context.Context, mac string, enable bool) error {
	normalized, err := policy.NormalizeMAC(mac)
	if err != nil {
		return err
	}
	return e.submit(ctx, "device bypass", func(ctx context.Context) error {
		err := e.applyDeviceBypass(ctx, normalized, enable)
		e.audit.Record(audit.KindDeviceBypass, normalized,
			fmt.Sprintf("enabled=%v", enable), err == nil)
		return err
	})
}

func (e *Engine) applyDeviceBypass(ctx context.Context, mac string, enable bool) error {
	ip, err := e.resolver.Resolve(mac)
	noLease := errors.Is(err, leases.ErrNoLease)
	if err != nil && !noLease {
		return err
	}

	doc, err := e.store.Get()
	if err != nil {
		return err
	}
	var oldIP string
	if device := doc.Device(mac); device != nil {
		oldIP = device.IP
	}

	if enable {
		if noLease {
			log.Printf("warning: %s has no lease, bypass recorded but rules deferred", mac)
		} else {
			if oldIP != "" && oldIP != ip {
				if err := e.rules.ApplyDeviceBypass(ctx, oldIP, false); err != nil {
					return err
				}
			}
			if err := e.rules.ApplyDeviceBypass(ctx, ip, true); err != nil {
				return err
			}
		}
	} else {
		// Remove rules for every address the device is known by.
		for _, target := range uniqueNonEmpty(ip, oldIP) {
			if err := e.rules.ApplyDeviceBypass(ctx, target, false); err != nil {
				return err
			}
		}
	}

	return e.store.Mutate(func(doc *policy.Document) error {
		device := doc.Device(mac)
		if device == nil {
			doc.Devices = append(doc.Devices, policy.DevicePolicy{MAC: mac})
			device = &doc.Devices[len(doc.Devices)-1]
		}
		device.BypassVPN = enable
		if !noLease {
			device.IP = ip
		}
		return nil
	})
}

// SetStaticIP reserves ip for a device in the DHCP server, or clears the
// reservation when ip is empty. dnsmasq is restarted so the reservation
// takes effect on the next renewal.
func (e *Engine) SetStaticIP(ctx context.Context, mac, ip string) error {
	normalized, err := policy.NormalizeMAC(mac)
	if err != nil {
		return err
	}
	if ip != "" {
		parsed, err := netip.ParseAddr(ip)
		if err != nil || !parsed.Is4() {
			return fmt.Errorf("invalid static ip %q", ip)
		}
		ip = parsed.String()
	}
	return e.submit(ctx, "static ip", func(ctx context.Context) error {
		err := e.applyStaticIP(ctx, normalized, ip)
		e.audit.Record(audit.KindStaticIP, normalized, ip, err == nil)
		return err
	})
}

func (e *Engine) applyStaticIP(ctx context.Context, mac, ip string) error {
	if err := e.static.Set(mac, ip); err != nil {
		return err
	}
	if err := e.store.Mutate(func(doc *policy.Document) error {
		device := doc.Device(mac)
		if device == nil {
			doc.Devices = append(doc.Devices, policy.DevicePolicy{MAC: mac})
			device = &doc.Devices[len(doc.Devices)-1]
		}
		device.StaticIP = ip
		return nil
	}); err != nil {
		return err
	}
	e.services.Restart(ctx, "dnsmasq")
	return nil
}

// AddDomainBypass enables VPN bypass for a domain. Adding a domain that
// is already enabled is rejected. Resolution trouble does not lose the
// policy: the domain is recorded and the refresher retries.
func (e *Engine) AddDomainBypass(ctx context.Context, domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" || strings.ContainsAny(domain, " /") {
		return fmt.Errorf("invalid domain %q", domain)
	}
	return e.submit(ctx, "add domain bypass", func(ctx context.Context) error {
		doc, err := e.store.Get()
		if err != nil {
			return err
		}
		if existing := doc.Domain(domain); existing != nil && existing.Enabled {
			return fmt.Errorf("%w: %s", ErrDomainExists, domain)
		}

		resolved := true
		if _, err := e.domains.Enable(ctx, domain); err != nil {
			log.Printf("warning: enabling bypass for %s: %v", domain, err)
			resolved = false
		}

		err = e.store.Mutate(func(doc *policy.Document) error {
			if existing := doc.Domain(domain); existing != nil {
				existing.Enabled = true
				return nil
			}
			doc.Domains = append(doc.Domains, policy.DomainPolicy{Domain: domain, Enabled: true})
			return nil
		})
		e.audit.Record(audit.KindDomainBypass, domain, "enabled", err == nil && resolved)
		return err
	})
}

// RefreshDomains re-resolves every enabled domain and reconciles its
// rules against the current answers. It runs as a queued job like every
// other mutation, so a periodic refresh never interleaves its rule churn
// with an in-flight bypass or LAN change.
func (e *Engine) RefreshDomains(ctx context.Context) error {
	return e.submit(ctx, "domain refresh", func(ctx context.Context) error {
		enabled, err := e.EnabledDomains()
		if err != nil {
			return err
		}
		e.domains.Refresh(ctx, enabled)
		return nil
	})
}

// RemoveDomainBypass disables and forgets a domain bypass.
func (e *Engine) RemoveDomainBypass(ctx context.Context, domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return e.submit(ctx, "remove domain bypass", func(ctx context.Context) error {
		if err := e.domains.Disable(ctx, domain); err != nil {
			return err
		}
		err := e.store.Mutate(func(doc *policy.Document) error {
			kept := doc.Domains[:0]
			for _, d := range doc.Domains {
				if d.Domain != domain {
					kept = append(kept, d)
				}
			}
			doc.Domains = kept
			return nil
		})
		e.audit.Record(audit.KindDomainBypass, domain, "disabled", err == nil)
		return err
	})
}

// SetLANAddress renumbers the LAN interface. Bypass rules for known
// device addresses are removed first since every recorded address is
// about to go stale; devices re-acquire leases on the new subnet and the
// lease watcher reinstalls their rules.
func (e *Engine) SetLANAddress(ctx context.Context, addr netip.Addr, prefix int) error {
	return e.submit(ctx, "lan address", func(ctx context.Context) error {
		err := e.applyLANAddress(ctx, addr, prefix)
		e.audit.Record(audit.KindLANAddress, fmt.Sprintf("%s/%d", addr, prefix), "", err == nil)
		return err
	})
}

func (e *Engine) applyLANAddress(ctx context.Context, addr netip.Addr, prefix int) error {
	doc, err := e.store.Get()
	if err != nil {
		return err
	}
	for _, device := range doc.Devices {
		if device.BypassVPN && device.IP != "" {
			if err := e.rules.ApplyDeviceBypass(ctx, device.IP, false); err != nil {
				log.Printf("warning: removing stale rules for %s: %v", device.IP, err)
			}
		}
	}

	if err := e.netconf.SetLANAddress(ctx, addr, prefix); err != nil {
		return err
	}

	return e.store.Mutate(func(doc *policy.Document) error {
		for i := range doc.Devices {
			doc.Devices[i].IP = ""
		}
		return nil
	})
}

// ConnectVPN activates a stored profile. With the kill switch armed, a
// failed connect leaves forwarding blocked and a successful one lifts
// the block.
func (e *Engine) ConnectVPN(ctx context.Context, name string) error {
	return e.submit(ctx, "vpn connect", func(ctx context.Context) error {
		err := e.vpn.Connect(ctx, name)
		e.audit.Record(audit.KindVPNSession, name, "connect", err == nil)

		doc, getErr := e.store.Get()
		if getErr != nil {
			return errors.Join(err, getErr)
		}
		if err != nil {
			if doc.KillSwitchEnabled {
				if ksErr := e.rules.ApplyKillSwitch(ctx, true); ksErr != nil {
					log.Printf("warning: engaging kill switch: %v", ksErr)
				}
			}
			return err
		}

		if doc.KillSwitchEnabled {
			if ksErr := e.rules.ApplyKillSwitch(ctx, false); ksErr != nil {
				log.Printf("warning: lifting kill switch: %v", ksErr)
			}
		}
		return e.store.Mutate(func(doc *policy.Document) error {
			doc.ActiveVPN = name
			return nil
		})
	})
}

// DisconnectVPN tears the session down and, if the kill switch is armed,
// blocks LAN forwarding until the next connect.
func (e *Engine) DisconnectVPN(ctx context.Context) error {
	return e.submit(ctx, "vpn disconnect", func(ctx context.Context) error {
		err := e.vpn.Disconnect(ctx)
		e.audit.Record(audit.KindVPNSession, "", "disconnect", err == nil)
		if err != nil {
			return err
		}

		doc, err := e.store.Get()
		if err != nil {
			return err
		}
		if doc.KillSwitchEnabled {
			if ksErr := e.rules.ApplyKillSwitch(ctx, true); ksErr != nil {
				return ksErr
			}
		}
		return e.store.Mutate(func(doc *policy.Document) error {
			doc.ActiveVPN = ""
			return nil
		})
	})
}

// SetKillSwitch arms or disarms the kill switch. The FORWARD block is
// only live while no tunnel is up; arming it during an active session
// just records the policy for the next disconnect.
func (e *Engine) SetKillSwitch(ctx context.Context, enabled bool) error {
	return e.submit(ctx, "kill switch", func(ctx context.Context) error {
		block := enabled && e.vpn.Active() == ""
		if err := e.rules.ApplyKillSwitch(ctx, block); err != nil {
			e.audit.Record(audit.KindKillSwitch, "", fmt.Sprintf("enabled=%v", enabled), false)
			return err
		}
		err := e.store.Mutate(func(doc *policy.Document) error {
			doc.KillSwitchEnabled = enabled
			return nil
		})
		e.audit.Record(audit.KindKillSwitch, "", fmt.Sprintf("enabled=%v", enabled), err == nil)
		return err
	})
}

// Reboot schedules a system reboot and returns immediately. The delay
// gives the HTTP response time to flush before the box goes down.
func (e *Engine) Reboot(ctx context.Context) error {
	return e.submit(ctx, "reboot", func(ctx context.Context) error {
		e.audit.Record(audit.KindReboot, "", "", true)
		go func() {
			time.Sleep(time.Second)
			rebootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if res := e.runner.Run(rebootCtx, "reboot"); !res.Success {
				log.Printf("warning: reboot: %s", res.Output())
			}
		}()
		return nil
	})
}

// ReconcileBoot replays the persisted policy against a freshly booted
// kernel: infrastructure, device and domain rules, the recorded VPN
// session and the kill switch. Per-item failures log and continue; boot
// should end with as much policy live as the system allows.
func (e *Engine) ReconcileBoot(ctx context.Context) error {
	return e.submit(ctx, "boot reconcile", func(ctx context.Context) error {
		doc, err := e.store.Load()
		if err != nil {
			log.Printf("warning: policy file unreadable, starting empty: %v", err)
		}

		if err := e.rules.EnsureInfrastructure(ctx); err != nil {
			log.Printf("warning: bypass infrastructure: %v", err)
		}

		for _, device := range doc.Devices {
			if !device.BypassVPN {
				continue
			}
			if err := e.applyDeviceBypass(ctx, device.MAC, true); err != nil {
				log.Printf("warning: restoring bypass for %s: %v", device.MAC, err)
			}
		}

		for _, domain := range doc.Domains {
			if !domain.Enabled {
				continue
			}
			if _, err := e.domains.Enable(ctx, domain.Domain); err != nil {
				log.Printf("warning: restoring bypass for %s: %v", domain.Domain, err)
			}
		}

		if err := e.vpn.ReconcileBoot(ctx, doc.ActiveVPN); err != nil {
			log.Printf("warning: restoring vpn session %s: %v", doc.ActiveVPN, err)
			if mutErr := e.store.Mutate(func(doc *policy.Document) error {
				doc.ActiveVPN = ""
				return nil
			}); mutErr != nil {
				log.Printf("warning: clearing active vpn: %v", mutErr)
			}
		}

		block := doc.KillSwitchEnabled && e.vpn.Active() == ""
		if err := e.rules.ApplyKillSwitch(ctx, block); err != nil {
			log.Printf("warning: kill switch: %v", err)
		}

		e.audit.Record(audit.KindBoot, "", "", true)
		return nil
	})
}

func uniqueNonEmpty(values ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
