package safety

import (
	"strings"
	"testing"
)

func testPolicy() *Policy {
	protected := NewProtectedSet(
		[]string{"pve"},
		[]int{103},
		[]string{"pveproxy"},
		[]string{"192.168.1.10"},
	)
	tiers := map[string]Tier{
		"get_cluster_status": TierGreen,
		"run_command":        TierYellow,
		"stop_vm":            TierRed,
		"migrate_vm":         TierOrange,
		"reboot_node":        TierBlack,
	}
	return New(protected, func(name string) (Tier, bool) {
		t, ok := tiers[name]
		return t, ok
	})
}

func TestEvaluateTiers(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name        string
		tool        string
		args        map[string]any
		opts        EvalOptions
		wantAllowed bool
		wantConfirm bool
	}{
		{name: "green auto-allows", tool: "get_cluster_status", args: map[string]any{}, wantAllowed: true},
		{name: "yellow auto-allows", tool: "run_command", args: map[string]any{"command": "uptime"}, wantAllowed: true},
		{name: "red unconfirmed", tool: "stop_vm", args: map[string]any{"vmid": 105}, wantAllowed: false, wantConfirm: true},
		{name: "red confirmed", tool: "stop_vm", args: map[string]any{"vmid": 105}, opts: EvalOptions{Confirmed: true}, wantAllowed: true},
		{name: "red override", tool: "stop_vm", args: map[string]any{"vmid": 105}, opts: EvalOptions{OverrideActive: true}, wantAllowed: true},
		{name: "orange needs keyword", tool: "migrate_vm", args: map[string]any{"vmid": 105}, opts: EvalOptions{Confirmed: true}, wantAllowed: false},
		{name: "orange keyword unconfirmed", tool: "migrate_vm", args: map[string]any{"vmid": 105}, opts: EvalOptions{KeywordPresent: true}, wantAllowed: false, wantConfirm: true},
		{name: "orange keyword confirmed", tool: "migrate_vm", args: map[string]any{"vmid": 105}, opts: EvalOptions{KeywordPresent: true, Confirmed: true}, wantAllowed: true},
		{name: "black always denied", tool: "reboot_node", args: map[string]any{}, opts: EvalOptions{Confirmed: true, OverrideActive: true, KeywordPresent: true}, wantAllowed: false},
		{name: "unknown tool is black", tool: "format_disk", args: map[string]any{}, opts: EvalOptions{Confirmed: true}, wantAllowed: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := p.Evaluate(tc.tool, tc.args, tc.opts)
			if d.Allowed != tc.wantAllowed {
				t.Fatalf("Allowed = %v, want %v (reason %q)", d.Allowed, tc.wantAllowed, d.Reason)
			}
			if d.RequiresConfirmation != tc.wantConfirm {
				t.Fatalf("RequiresConfirmation = %v, want %v", d.RequiresConfirmation, tc.wantConfirm)
			}
		})
	}
}

func TestProtectedResourcesDenyRegardlessOfTier(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name string
		tool string
		args map[string]any
	}{
		{name: "protected vmid", tool: "stop_vm", args: map[string]any{"vmid": 103}},
		{name: "protected vmid as float", tool: "stop_vm", args: map[string]any{"vmid": float64(103)}},
		{name: "protected node", tool: "get_cluster_status", args: map[string]any{"node": "PVE"}},
		{name: "protected service", tool: "run_command", args: map[string]any{"service": "pveproxy"}},
		{name: "protected ip", tool: "run_command", args: map[string]any{"host": "192.168.1.10"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := p.Evaluate(tc.tool, tc.args, EvalOptions{Confirmed: true, OverrideActive: true})
			if d.Allowed {
				t.Fatalf("protected resource was allowed: %+v", d)
			}
			if d.Reason == "" {
				t.Fatal("expected a reason identifying the protected field")
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	p := testPolicy()

	t.Run("strips control characters", func(t *testing.T) {
		args := map[string]any{"note": "abc\x00def\x01"}
		if err := p.Sanitize(args); err != nil {
			t.Fatal(err)
		}
		if args["note"] != "abcdef" {
			t.Fatalf("got %q", args["note"])
		}
	})

	t.Run("rejects oversized strings", func(t *testing.T) {
		args := map[string]any{"note": strings.Repeat("a", maxArgLength+1)}
		if err := p.Sanitize(args); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects shell metacharacters in commands", func(t *testing.T) {
		for _, cmd := range []string{"uptime; rm -rf /", "df && reboot", "echo `id`", "ls $HOME"} {
			args := map[string]any{"command": cmd}
			if err := p.Sanitize(args); err == nil {
				t.Fatalf("command %q passed sanitization", cmd)
			}
		}
	})

	t.Run("rejects non-allowlisted commands", func(t *testing.T) {
		args := map[string]any{"command": "rm -rf /tmp/x"}
		if err := p.Sanitize(args); err == nil {
			t.Fatal("expected allowlist rejection")
		}
	})

	t.Run("allows allowlisted command with path prefix", func(t *testing.T) {
		args := map[string]any{"command": "/usr/bin/uptime"}
		if err := p.Sanitize(args); err != nil {
			t.Fatal(err)
		}
	})
}
