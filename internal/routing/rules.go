// Package routing programs the kernel for selective VPN bypass. Marked
// traffic is steered to a dedicated routing table whose default route
// points at the WAN gateway, so flows from bypassed devices and flows to
// bypassed domains skip the tunnel entirely.
//
// All kernel state is driven through iptables, ip and conntrack commands
// so that the full rule text stays greppable on the router itself.
package routing

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"pirouter/internal/cmdexec"
)

// Defaults for the bypass mark and its routing table. The same number is
// used for both so `ip rule` output reads naturally.
const (
	DefaultMark  = 100
	DefaultTable = 100
)

// Config identifies the interfaces and gateway the engine programs
// against. LANAddress is the router's own address on the LAN interface;
// traffic to it is never marked so bypassed devices can still reach the
// router's DNS and web UI.
type Config struct {
	WANInterface    string
	LANInterface    string
	BridgeInterface string
	LANAddress      string
	Gateway         string
	Mark            int
	Table           int
}

// Engine issues the iptables/ip/conntrack command sequences for bypass
// rules. All mutating methods are delete-before-add, so reapplying a rule
// that already exists never duplicates it.
type Engine struct {
	cfg    Config
	runner cmdexec.Runner
}

// NewEngine creates an engine over runner. Zero Mark/Table fall back to
// the defaults.
func NewEngine(cfg Config, runner cmdexec.Runner) *Engine {
	if cfg.Mark == 0 {
		cfg.Mark = DefaultMark
	}
	if cfg.Table == 0 {
		cfg.Table = DefaultTable
	}
	return &Engine{cfg: cfg, runner: runner}
}

func (e *Engine) mark() string  { return strconv.Itoa(e.cfg.Mark) }
func (e *Engine) table() string { return strconv.Itoa(e.cfg.Table) }

// EnsureInfrastructure installs the shared plumbing every bypass rule
// depends on: the default route in the bypass table, the fwmark ip rule
// and WAN masquerading. Each piece is applied idempotently, so this runs
// before every rule change and at boot.
func (e *Engine) EnsureInfrastructure(ctx context.Context) error {
	res := e.runner.Run(ctx, "ip", "route", "replace", "default",
		"via", e.cfg.Gateway, "dev", e.cfg.WANInterface, "table", e.table())
	if !res.Success {
		return fmt.Errorf("install bypass default route: %s", res.Output())
	}

	if !e.markRuleExists(ctx) {
		res = e.runner.Run(ctx, "ip", "rule", "add", "fwmark", e.mark(),
			"table", e.table(), "priority", "1")
		if !res.Success {
			return fmt.Errorf("install fwmark rule: %s", res.Output())
		}
	}

	// MASQUERADE is delete-then-add rather than checked, matching the
	// rest of the rule handling. The delete may fail on first boot.
	masq := []string{"-o", e.cfg.WANInterface,
		"-m", "mark", "--mark", e.mark(), "-j", "MASQUERADE"}
	e.runner.Run(ctx, "iptables", append([]string{"-t", "nat", "-D", "POSTROUTING"}, masq...)...)
	res = e.runner.Run(ctx, "iptables", append([]string{"-t", "nat", "-A", "POSTROUTING"}, masq...)...)
	if !res.Success {
		return fmt.Errorf("install wan masquerade: %s", res.Output())
	}
	return nil
}

// markRuleExists checks `ip rule` output for the fwmark entry. The kernel
// prints marks in hex, so both spellings are matched.
func (e *Engine) markRuleExists(ctx context.Context) bool {
	res := e.runner.Run(ctx, "ip", "rule", "list")
	if !res.Success {
		return false
	}
	hex := fmt.Sprintf("fwmark 0x%x", e.cfg.Mark)
	dec := fmt.Sprintf("fwmark %d", e.cfg.Mark)
	return containsAny(res.Stdout, hex, dec)
}

// deviceRules returns the rule argument lists for one bypassed device:
// the mangle mark on its source traffic plus the FORWARD accepts that
// keep its flows moving in both directions.
func (e *Engine) deviceRules(ip string) [][]string {
	mark := []string{"-t", "mangle", "PREROUTING",
		"-i", e.cfg.LANInterface, "-s", ip}
	if e.cfg.LANAddress != "" {
		mark = append(mark, "!", "-d", e.cfg.LANAddress)
	}
	mark = append(mark, "-j", "MARK", "--set-mark", e.mark())

	rules := [][]string{
		mark,
		{"FORWARD", "-i", e.cfg.LANInterface, "-o", e.cfg.WANInterface,
			"-s", ip, "-j", "ACCEPT"},
		{"FORWARD", "-i", e.cfg.WANInterface, "-o", e.cfg.LANInterface,
			"-d", ip, "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
	}
	if e.cfg.BridgeInterface != "" {
		rules = append(rules, []string{"FORWARD",
			"-i", e.cfg.BridgeInterface, "-o", e.cfg.LANInterface,
			"-d", ip, "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"})
	}
	return rules
}

// domainRule returns the single mangle rule for one resolved domain
// address: mark by destination, so any LAN device reaching that address
// bypasses the tunnel.
func (e *Engine) domainRule(ip string) []string {
	return []string{"-t", "mangle", "PREROUTING",
		"-i", e.cfg.LANInterface, "-d", ip,
		"-j", "MARK", "--set-mark", e.mark()}
}

// ApplyDeviceBypass installs or removes the bypass rule set for a device
// address. Enabling ensures the shared infrastructure first; disabling
// leaves it in place for other bypasses.
func (e *Engine) ApplyDeviceBypass(ctx context.Context, ip string, enable bool) error {
	if enable {
		if err := e.EnsureInfrastructure(ctx); err != nil {
			return err
		}
	}
	if err := e.applyRules(ctx, e.deviceRules(ip), enable); err != nil {
		return err
	}
	e.flushConnections(ctx, ip)
	return nil
}

// ApplyDomainBypass installs or removes the destination mark for one
// resolved address of a bypassed domain.
func (e *Engine) ApplyDomainBypass(ctx context.Context, ip string, enable bool) error {
	if enable {
		if err := e.EnsureInfrastructure(ctx); err != nil {
			return err
		}
	}
	if err := e.applyRules(ctx, [][]string{e.domainRule(ip)}, enable); err != nil {
		return err
	}
	e.flushConnections(ctx, ip)
	return nil
}

// applyRules deletes each rule and, when enabling, re-adds it. Delete
// failures are expected when the rule was not present and are ignored;
// add failures are real errors.
func (e *Engine) applyRules(ctx context.Context, rules [][]string, enable bool) error {
	for _, rule := range rules {
		e.runner.Run(ctx, "iptables", ruleArgs(rule, "-D")...)
		if !enable {
			continue
		}
		res := e.runner.Run(ctx, "iptables", ruleArgs(rule, "-A")...)
		if !res.Success {
			return fmt.Errorf("install iptables rule %v: %s", rule, res.Output())
		}
	}
	return nil
}

// ruleArgs splices the iptables action in front of the chain name,
// keeping any -t table selector first.
func ruleArgs(rule []string, action string) []string {
	args := make([]string, 0, len(rule)+1)
	i := 0
	if len(rule) >= 2 && rule[0] == "-t" {
		args = append(args, rule[0], rule[1])
		i = 2
	}
	args = append(args, action)
	args = append(args, rule[i:]...)
	return args
}

// flushConnections drops cached routes and live conntrack entries for ip
// so existing flows re-evaluate the new policy instead of riding their
// old path until they close. conntrack may be absent; failures only log.
func (e *Engine) flushConnections(ctx context.Context, ip string) {
	if res := e.runner.Run(ctx, "ip", "route", "flush", "cache"); !res.Success {
		log.Printf("warning: flush route cache: %s", res.Output())
	}
	// conntrack -D exits non-zero when nothing matched, so the result is
	// ignored rather than logged.
	e.runner.Run(ctx, "conntrack", "-D", "-s", ip)
	e.runner.Run(ctx, "conntrack", "-D", "-d", ip)
}

// killSwitchRule is the FORWARD reject inserted at position 1 when the
// kill switch engages. The comment makes the rule identifiable in
// iptables -L output and in later deletes.
func (e *Engine) killSwitchRule() []string {
	return []string{"FORWARD",
		"-i", e.cfg.LANInterface, "-o", e.cfg.WANInterface,
		"-m", "comment", "--comment", "KILLSWITCH", "-j", "REJECT"}
}

// ApplyKillSwitch blocks or unblocks forwarding from LAN to WAN. The
// reject is inserted at the head of FORWARD, so while engaged nothing
// leaves via the WAN interface, bypassed devices included.
func (e *Engine) ApplyKillSwitch(ctx context.Context, block bool) error {
	rule := e.killSwitchRule()
	e.runner.Run(ctx, "iptables", ruleArgs(rule, "-D")...)
	if !block {
		return nil
	}
	args := append([]string{"-I", rule[0], "1"}, rule[1:]...)
	res := e.runner.Run(ctx, "iptables", args...)
	if !res.Success {
		return fmt.Errorf("install kill switch: %s", res.Output())
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
