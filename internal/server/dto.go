package server

import (
	"elara/internal/domain"
)

// Request payloads

type UpsertSpecialistRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Prompt       string   `json:"prompt"`
	Persona      string   `json:"persona_text"`
	Capabilities []string `json:"capabilities"`
}

type CompanionMessageRequest struct {
	Message string `json:"message"`
}

type ExecuteGoalRequest struct {
	Goal               string   `json:"goal"`
	ApprovedRequestIDs []string `json:"approved_request_ids,omitempty"`
}

type CreateApprovalRequest struct {
	Capability string `json:"capability" enum:"read_memory,write_memory,run_tool,delegate,external_action"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
}

type DecideApprovalRequest struct {
	Decision string `json:"decision" enum:"approved,denied"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type SpecialistResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Prompt       string   `json:"prompt"`
	Persona      string   `json:"persona_text"`
	Capabilities []string `json:"capabilities"`
}

type CompanionMessageResponse struct {
	Response   string   `json:"response"`
	MemoryHits []string `json:"memory_hits"`
}

type DelegatedTaskResultResponse struct {
	SpecialistID   string `json:"specialist_id"`
	SpecialistName string `json:"specialist_name"`
	Task           string `json:"task"`
	Output         string `json:"output"`
}

type ExecuteGoalResponse struct {
	AgentRunID       string                        `json:"agent_run_id"`
	Summary          string                        `json:"summary"`
	DelegatedResults []DelegatedTaskResultResponse `json:"delegated_results"`
}

type ApprovalResponse struct {
	ID          string  `json:"id"`
	WorkspaceID string  `json:"workspace_id"`
	ActorID     string  `json:"actor_id"`
	Capability  string  `json:"capability"`
	Action      string  `json:"action"`
	Reason      string  `json:"reason"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	DecidedAt   *string `json:"decided_at,omitempty"`
	DecidedBy   *string `json:"decided_by,omitempty"`
}

type RunEventResponse struct {
	AgentRunID string         `json:"agent_run_id"`
	Seq        int64          `json:"seq"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  string         `json:"created_at"`
}

type AuditEventResponse struct {
	ID           string         `json:"id"`
	WorkspaceID  string         `json:"workspace_id"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	Outcome      string         `json:"outcome"`
	Metadata     map[string]any `json:"metadata"`
	PreviousHash string         `json:"previous_hash"`
	EventHash    string         `json:"event_hash"`
	CreatedAt    string         `json:"created_at"`
}

type AuditListResponse struct {
	Events        []AuditEventResponse `json:"events"`
	ChainVerified *bool                `json:"chain_verified,omitempty"`
}

func specialistResponse(s domain.Specialist) SpecialistResponse {
	caps := make([]string, 0, len(s.Capabilities))
	for _, c := range s.Capabilities {
		caps = append(caps, string(c))
	}
	return SpecialistResponse{
		ID:           s.ID,
		Name:         s.Name,
		Prompt:       s.Prompt,
		Persona:      s.Persona,
		Capabilities: caps,
	}
}

func mapSpecialists(items []domain.Specialist) []SpecialistResponse {
	res := make([]SpecialistResponse, 0, len(items))
	for _, s := range items {
		res = append(res, specialistResponse(s))
	}
	return res
}

func approvalResponse(a domain.ApprovalRequest) ApprovalResponse {
	return ApprovalResponse{
		ID:          a.ID,
		WorkspaceID: a.WorkspaceID,
		ActorID:     a.ActorID,
		Capability:  string(a.Capability),
		Action:      a.Action,
		Reason:      a.Reason,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt,
		DecidedAt:   a.DecidedAt,
		DecidedBy:   a.DecidedBy,
	}
}

func mapApprovals(items []domain.ApprovalRequest) []ApprovalResponse {
	res := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		res = append(res, approvalResponse(a))
	}
	return res
}

func runEventResponse(e domain.RunEvent) RunEventResponse {
	return RunEventResponse{
		AgentRunID: e.AgentRunID,
		Seq:        e.Seq,
		EventType:  e.EventType,
		Payload:    e.Payload,
		CreatedAt:  e.CreatedAt,
	}
}

func mapRunEvents(items []domain.RunEvent) []RunEventResponse {
	res := make([]RunEventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, runEventResponse(e))
	}
	return res
}

func auditEventResponse(e domain.AuditEvent) AuditEventResponse {
	return AuditEventResponse{
		ID:           e.ID,
		WorkspaceID:  e.WorkspaceID,
		ActorID:      e.ActorID,
		Action:       e.Action,
		Outcome:      e.Outcome,
		Metadata:     e.Metadata,
		PreviousHash: e.PreviousHash,
		EventHash:    e.EventHash,
		CreatedAt:    e.CreatedAt,
	}
}

func mapAuditEvents(items []domain.AuditEvent) []AuditEventResponse {
	res := make([]AuditEventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, auditEventResponse(e))
	}
	return res
}

func toExecuteGoalResponse(r domain.ExecutionReply) ExecuteGoalResponse {
	results := make([]DelegatedTaskResultResponse, 0, len(r.DelegatedResults))
	for _, d := range r.DelegatedResults {
		results = append(results, DelegatedTaskResultResponse{
			SpecialistID:   d.SpecialistID,
			SpecialistName: d.SpecialistName,
			Task:           d.Task,
			Output:         d.Output,
		})
	}
	return ExecuteGoalResponse{
		AgentRunID:       r.AgentRunID,
		Summary:          r.Summary,
		DelegatedResults: results,
	}
}
