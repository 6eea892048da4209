// Package safety implements the tool safety policy: input sanitization, the
// protected-resource filter, and effect-tier enforcement. Every tool execution
// passes through Evaluate exactly once before its handler may run.
package safety

// Tier is the effect classification of a tool.
type Tier string

const (
	// TierGreen is read-only; always auto-allowed.
	TierGreen Tier = "GREEN"
	// TierYellow mutates low-risk state; logged and auto-allowed.
	TierYellow Tier = "YELLOW"
	// TierRed mutates significant state; requires operator confirmation.
	TierRed Tier = "RED"
	// TierOrange is like RED but also requires the approval keyword in the
	// originating user turn.
	TierOrange Tier = "ORANGE"
	// TierBlack is never executed.
	TierBlack Tier = "BLACK"
)

// Known reports whether t is a recognized tier value.
func (t Tier) Known() bool {
	switch t {
	case TierGreen, TierYellow, TierRed, TierOrange, TierBlack:
		return true
	}
	return false
}

// RequiresConfirmation reports whether the tier needs an explicit operator
// confirmation before execution.
func (t Tier) RequiresConfirmation() bool {
	return t == TierRed || t == TierOrange
}
