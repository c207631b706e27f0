package domain

// Role of an authenticated actor within a workspace.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Capability a specialist agent may carry.
type Capability string

const (
	CapabilityReadMemory     Capability = "read_memory"
	CapabilityWriteMemory    Capability = "write_memory"
	CapabilityRunTool        Capability = "run_tool"
	CapabilityDelegate       Capability = "delegate"
	CapabilityExternalAction Capability = "external_action"
)

// HighImpact reports whether the capability triggers mandatory approval.
func (c Capability) HighImpact() bool {
	return c == CapabilityRunTool || c == CapabilityExternalAction
}

// Capabilities returns every known capability.
func Capabilities() []Capability {
	return []Capability{
		CapabilityReadMemory,
		CapabilityWriteMemory,
		CapabilityRunTool,
		CapabilityDelegate,
		CapabilityExternalAction,
	}
}

// ValidCapability reports whether s names a known capability.
func ValidCapability(s string) bool {
	for _, c := range Capabilities() {
		if string(c) == s {
			return true
		}
	}
	return false
}

// HasCapability reports whether caps contains c.
func HasCapability(caps []Capability, c Capability) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}

// AnyHighImpact reports whether caps intersects the high-impact set.
func AnyHighImpact(caps []Capability) bool {
	for _, have := range caps {
		if have.HighImpact() {
			return true
		}
	}
	return false
}

// ActorContext identifies the authenticated caller. Supplied per call,
// never persisted.
type ActorContext struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role" enum:"owner,member"`
}

// PolicyDecision is the value result of a policy evaluation.
type PolicyDecision struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
}

// Specialist is a named, capability-scoped delegate persona owned by a
// workspace. Keyed by ID within the workspace; last write wins on upsert.
type Specialist struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Prompt       string       `json:"prompt"`
	Persona      string       `json:"persona_text"`
	Capabilities []Capability `json:"capabilities"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ApprovalRequest records a human decision request. It transitions exactly
// once from pending to approved or denied and is immutable thereafter.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	ActorID     string         `json:"actor_id"`
	Capability  Capability     `json:"capability"`
	Action      string         `json:"action"`
	Reason      string         `json:"reason"`
	Status      ApprovalStatus `json:"status" enum:"pending,approved,denied"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	DecidedAt   *string        `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy   *string        `json:"decided_by,omitempty"`
}

// AuditEvent is one link in a workspace's tamper-evident hash chain.
type AuditEvent struct {
	ID           string         `json:"id"`
	WorkspaceID  string         `json:"workspace_id"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	Outcome      string         `json:"outcome"`
	Metadata     map[string]any `json:"metadata"`
	PreviousHash string         `json:"previous_hash"`
	EventHash    string         `json:"event_hash"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

// RunEvent is one entry in a run's replayable event sequence. Seq is
// 1-based, strictly increasing and gap-free per run.
type RunEvent struct {
	AgentRunID string         `json:"agent_run_id"`
	Seq        int64          `json:"seq"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

// RunAccess grants one actor replay access to one run.
type RunAccess struct {
	AgentRunID  string `json:"agent_run_id"`
	WorkspaceID string `json:"workspace_id"`
	ActorID     string `json:"actor_id"`
}

// DelegatedTaskResult is the outcome of delegating one subtask to a
// specialist during goal execution.
type DelegatedTaskResult struct {
	SpecialistID   string `json:"specialist_id"`
	SpecialistName string `json:"specialist_name"`
	Task           string `json:"task"`
	Output         string `json:"output"`
}

// ExecutionReply aggregates a completed goal execution.
type ExecutionReply struct {
	AgentRunID       string                `json:"agent_run_id"`
	Summary          string                `json:"summary"`
	DelegatedResults []DelegatedTaskResult `json:"delegated_results"`
}

// CompanionReply is the response to a non-delegated companion message.
type CompanionReply struct {
	Response   string   `json:"response"`
	MemoryHits []string `json:"memory_hits"`
}
