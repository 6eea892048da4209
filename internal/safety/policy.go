package safety

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// maxArgLength caps any single string argument.
	maxArgLength = 10 * 1024
)

// shellMetachars are rejected inside command-bearing arguments.
var shellMetachars = []string{";", "&", "`", "$"}

// commandArgKeys are argument names treated as shell commands and therefore
// subject to metacharacter rejection and the command allowlist.
var commandArgKeys = map[string]bool{
	"command": true,
	"cmd":     true,
}

// protectedArgKeys maps argument names to the protected-set field they are
// checked against.
var protectedArgKeys = map[string]string{
	"node":    "node",
	"target":  "node",
	"vmid":    "vmid",
	"service": "service",
	"unit":    "service",
	"host":    "ip",
	"ip":      "ip",
}

// DefaultCommandAllowlist is the fixed set of commands an SSH-like tool may
// run. Anything else is rejected during sanitization.
var DefaultCommandAllowlist = []string{
	"uptime", "df", "free", "sensors", "systemctl", "journalctl",
	"ip", "hostname", "uname", "cat", "ls", "du", "ps", "top",
	"pvesm", "pvecm", "qm", "pct", "zpool", "smartctl", "docker",
}

// Decision is the outcome of a safety evaluation.
type Decision struct {
	Allowed              bool
	Reason               string
	Tier                 Tier
	RequiresConfirmation bool
}

// EvalOptions carries the side-channel flags for one evaluation. Confirmed is
// never taken from LLM output; it comes from the operator's confirm event or
// the API request body.
type EvalOptions struct {
	Confirmed bool
	// OverrideActive widens RED and ORANGE to auto-allow for the current
	// turn. BLACK is unconditional and is never widened.
	OverrideActive bool
	// KeywordPresent reports whether the configured approval keyword
	// appeared in the originating user turn (ORANGE only).
	KeywordPresent bool
}

// ProtectedSet holds the resources no tool may touch.
type ProtectedSet struct {
	nodes    map[string]bool
	vmids    map[int]bool
	services map[string]bool
	ips      map[string]bool
}

// NewProtectedSet builds a ProtectedSet from its member lists.
func NewProtectedSet(nodes []string, vmids []int, services, ips []string) *ProtectedSet {
	ps := &ProtectedSet{
		nodes:    make(map[string]bool, len(nodes)),
		vmids:    make(map[int]bool, len(vmids)),
		services: make(map[string]bool, len(services)),
		ips:      make(map[string]bool, len(ips)),
	}
	for _, n := range nodes {
		ps.nodes[strings.ToLower(n)] = true
	}
	for _, id := range vmids {
		ps.vmids[id] = true
	}
	for _, s := range services {
		ps.services[strings.ToLower(s)] = true
	}
	for _, ip := range ips {
		ps.ips[ip] = true
	}
	return ps
}

// Policy evaluates tool invocations. The tier lookup function is supplied by
// the tool registry so that tiers and tool descriptions cannot drift.
type Policy struct {
	protected *ProtectedSet
	tierOf    func(name string) (Tier, bool)
	allowlist map[string]bool
}

// New creates a Policy. tierOf returns the tier for a registered tool name;
// unknown names are treated as BLACK.
func New(protected *ProtectedSet, tierOf func(name string) (Tier, bool)) *Policy {
	allow := make(map[string]bool, len(DefaultCommandAllowlist))
	for _, c := range DefaultCommandAllowlist {
		allow[c] = true
	}
	return &Policy{protected: protected, tierOf: tierOf, allowlist: allow}
}

// TierOf resolves the tier for a tool name, defaulting to BLACK for unknown
// tools (fail-safe).
func (p *Policy) TierOf(name string) Tier {
	if p.tierOf != nil {
		if tier, ok := p.tierOf(name); ok && tier.Known() {
			return tier
		}
	}
	return TierBlack
}

// Sanitize validates argument values in place: strips NUL and control
// characters, caps string lengths, and rejects shell metacharacters and
// non-allowlisted commands in command-bearing arguments.
func (p *Policy) Sanitize(args map[string]any) error {
	for key, val := range args {
		s, ok := val.(string)
		if !ok {
			continue
		}
		if len(s) > maxArgLength {
			return fmt.Errorf("argument %q exceeds %d bytes", key, maxArgLength)
		}
		cleaned := stripControl(s)
		args[key] = cleaned
		if commandArgKeys[key] {
			for _, meta := range shellMetachars {
				if strings.Contains(cleaned, meta) {
					return fmt.Errorf("argument %q contains forbidden character %q", key, meta)
				}
			}
			if err := p.checkAllowlist(cleaned); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Policy) checkAllowlist(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("empty command")
	}
	base := fields[0]
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if !p.allowlist[base] {
		return fmt.Errorf("command %q is not allowlisted", base)
	}
	return nil
}

// CheckProtected compares args against the protected sets. On a hit it returns
// the offending field name and value.
func (p *Policy) CheckProtected(args map[string]any) (field, value string, hit bool) {
	if p.protected == nil {
		return "", "", false
	}
	for key, val := range args {
		kind, ok := protectedArgKeys[key]
		if !ok {
			continue
		}
		switch kind {
		case "node":
			if s, ok := val.(string); ok && p.protected.nodes[strings.ToLower(s)] {
				return key, s, true
			}
		case "vmid":
			if id, ok := asInt(val); ok && p.protected.vmids[id] {
				return key, strconv.Itoa(id), true
			}
		case "service":
			if s, ok := val.(string); ok && p.protected.services[strings.ToLower(s)] {
				return key, s, true
			}
		case "ip":
			if s, ok := val.(string); ok && p.protected.ips[s] {
				return key, s, true
			}
		}
	}
	return "", "", false
}

// Evaluate composes the three checks in order: sanitization, the protected
// filter, then tier enforcement.
func (p *Policy) Evaluate(name string, args map[string]any, opts EvalOptions) Decision {
	tier := p.TierOf(name)

	if err := p.Sanitize(args); err != nil {
		return Decision{Allowed: false, Reason: err.Error(), Tier: tier}
	}

	if field, value, hit := p.CheckProtected(args); hit {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("%s %s is protected", field, value),
			Tier:    tier,
		}
	}

	switch tier {
	case TierGreen, TierYellow:
		return Decision{Allowed: true, Tier: tier}
	case TierRed:
		if opts.OverrideActive || opts.Confirmed {
			return Decision{Allowed: true, Tier: tier}
		}
		return Decision{
			Allowed:              false,
			Reason:               "confirmation required",
			Tier:                 tier,
			RequiresConfirmation: true,
		}
	case TierOrange:
		if opts.OverrideActive {
			return Decision{Allowed: true, Tier: tier}
		}
		if !opts.KeywordPresent {
			return Decision{
				Allowed: false,
				Reason:  "approval keyword missing from request",
				Tier:    tier,
			}
		}
		if !opts.Confirmed {
			return Decision{
				Allowed:              false,
				Reason:               "confirmation required",
				Tier:                 tier,
				RequiresConfirmation: true,
			}
		}
		return Decision{Allowed: true, Tier: tier}
	default:
		return Decision{Allowed: false, Reason: "tool is blocked", Tier: TierBlack}
	}
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == 0 || (r < 0x20 && r != '\n' && r != '\t' && r != '\r') {
			return -1
		}
		return r
	}, s)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		id, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}
