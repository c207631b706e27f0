// Package policy holds the default-deny decision rules for specialist
// configuration, delegation and tool use. Decisions are pure values; the
// engine keeps no state beyond the tool allowlist it was built with.
package policy

import (
	"sort"

	"elara/internal/domain"
)

// DefaultToolAllowlist returns the built-in tool set.
func DefaultToolAllowlist() []string {
	return []string{"calculator", "memory_lookup", "web_search"}
}

type Engine struct {
	tools map[string]struct{}
}

// New builds an engine with the given tool allowlist. An empty list falls
// back to the default set.
func New(toolAllowlist []string) Engine {
	if len(toolAllowlist) == 0 {
		toolAllowlist = DefaultToolAllowlist()
	}
	tools := make(map[string]struct{}, len(toolAllowlist))
	for _, t := range toolAllowlist {
		tools[t] = struct{}{}
	}
	return Engine{tools: tools}
}

// CanEditSpecialists allows only workspace owners to create or edit
// specialist agents.
func (e Engine) CanEditSpecialists(actor domain.ActorContext) domain.PolicyDecision {
	if actor.Role != domain.RoleOwner {
		return domain.PolicyDecision{
			Allowed: false,
			Reason:  "only owners can create or edit specialist agents",
		}
	}
	return domain.PolicyDecision{Allowed: true}
}

// CanDelegate decides whether the actor may delegate to a specialist with
// the given capability set. RequiresApproval is set when the set intersects
// the high-impact capabilities.
func (e Engine) CanDelegate(actor domain.ActorContext, capabilities []domain.Capability) domain.PolicyDecision {
	if !domain.HasCapability(capabilities, domain.CapabilityDelegate) {
		return domain.PolicyDecision{
			Allowed: false,
			Reason:  "specialist missing delegate capability",
		}
	}
	if actor.Role != domain.RoleOwner && actor.Role != domain.RoleMember {
		return domain.PolicyDecision{Allowed: false, Reason: "unsupported actor role"}
	}
	highImpact := domain.AnyHighImpact(capabilities)
	if actor.Role == domain.RoleMember && highImpact {
		return domain.PolicyDecision{
			Allowed: false,
			Reason:  "members cannot delegate high-impact capabilities",
		}
	}
	return domain.PolicyDecision{Allowed: true, RequiresApproval: highImpact}
}

// CanUseTool allows a tool iff it is on the configured allowlist.
func (e Engine) CanUseTool(toolName string) domain.PolicyDecision {
	if _, ok := e.tools[toolName]; !ok {
		return domain.PolicyDecision{Allowed: false, Reason: "tool is not on the allowlist"}
	}
	return domain.PolicyDecision{Allowed: true}
}

// Tools returns the allowlist sorted, for observability output.
func (e Engine) Tools() []string {
	res := make([]string, 0, len(e.tools))
	for t := range e.tools {
		res = append(res, t)
	}
	sort.Strings(res)
	return res
}
