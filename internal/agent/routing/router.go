// Package routing decides which LLM backend handles a query: the local
// conversational model for chit-chat, or the agentic provider for anything
// that needs tools.
package routing

import (
	"regexp"
	"strings"

	"github.com/jarvishq/jarvis/internal/agent"
)

// Route names the chosen backend class.
type Route string

const (
	// RouteConversational targets the fast local model, no tools.
	RouteConversational Route = "conversational"
	// RouteAgentic targets the tool-capable provider.
	RouteAgentic Route = "agentic"
)

var (
	// infraRegex matches queries about cluster operations and hardware.
	infraRegex = regexp.MustCompile(`(?i)\b(vm|vms|node|nodes|cluster|proxmox|container|service|restart|reboot|start|stop|shut\s*down|migrate|status|storage|disk|memory|cpu|temperature|quorum|uptime|backup|log|logs|camera|frigate)\b`)

	// actionRegex matches imperative phrasings that usually want a tool.
	actionRegex = regexp.MustCompile(`(?i)\b(check|run|execute|show me|list|kill|deploy|spin up|bring up|take down|power)\b`)

	// smalltalkRegex matches pure conversation openers.
	smalltalkRegex = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good (morning|afternoon|evening)|thanks?|thank you|how are you|who are you|what can you do)\b`)
)

// Router classifies queries by content heuristics. Ambiguity resolves to the
// agentic route: a misrouted chat costs latency, a misrouted command fails.
type Router struct {
	conversational agent.LLMProvider
	agentic        agent.LLMProvider
}

// New creates a Router over the two backends. Either may be nil; Pick then
// returns whichever exists.
func New(conversational, agentic agent.LLMProvider) *Router {
	return &Router{conversational: conversational, agentic: agentic}
}

// Classify tags a query with its route.
func (r *Router) Classify(query string) Route {
	q := strings.TrimSpace(query)
	if q == "" {
		return RouteConversational
	}
	if smalltalkRegex.MatchString(q) && !infraRegex.MatchString(q) {
		return RouteConversational
	}
	if infraRegex.MatchString(q) || actionRegex.MatchString(q) {
		return RouteAgentic
	}
	return RouteConversational
}

// Pick returns the provider for a query along with the route taken. Falls
// back to the other backend when the chosen one is absent.
func (r *Router) Pick(query string) (agent.LLMProvider, Route) {
	route := r.Classify(query)
	switch route {
	case RouteConversational:
		if r.conversational != nil {
			return r.conversational, route
		}
		return r.agentic, RouteAgentic
	default:
		if r.agentic != nil {
			return r.agentic, route
		}
		return r.conversational, RouteConversational
	}
}
