// Package server exposes the orchestration core over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"elara/internal/approval"
	"elara/internal/domain"
	"elara/internal/runtime"
	"elara/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *runtime.Orchestrator
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"actor is not authorized for this workspace"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Elara API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Elara API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerSpecialists(group, cfg.Orchestrator)
	registerCompanion(group, cfg.Orchestrator)
	registerExecution(group, cfg.Orchestrator)
	registerRunEvents(group, cfg.Orchestrator)
	registerApprovals(group, cfg.Orchestrator)
	registerAudit(group, cfg.Orchestrator)
	registerMembers(group, cfg.Orchestrator)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var required runtime.ApprovalRequiredError
	if errors.As(err, &required) {
		return newAPIError(http.StatusConflict, "approval_required", required.Reason, map[string]any{"approval_id": required.ApprovalID})
	}
	var denied runtime.PermissionError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusForbidden, "forbidden", denied.Reason, nil)
	}
	var wrongDecider approval.UnauthorizedDeciderError
	if errors.As(err, &wrongDecider) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"approval_id": wrongDecider.ApprovalID})
	}
	if errors.Is(err, approval.ErrAlreadyDecided) {
		return newAPIError(http.StatusConflict, "already_decided", err.Error(), nil)
	}
	if errors.Is(err, runtime.ErrNoEligibleSpecialist) {
		return newAPIError(http.StatusBadRequest, "no_eligible_specialist", err.Error(), nil)
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// workspaceActor authenticates the caller and checks workspace access.
func workspaceActor(ctx context.Context, o *runtime.Orchestrator, workspaceID string) (domain.ActorContext, huma.StatusError) {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return domain.ActorContext{}, authErr
	}
	if err := o.Access.EnsureWorkspaceAccess(ctx, workspaceID, actor); err != nil {
		return domain.ActorContext{}, handleError(err)
	}
	return actor, nil
}

func requireOwner(actor domain.ActorContext) huma.StatusError {
	if actor.Role != domain.RoleOwner {
		return newAPIError(http.StatusForbidden, "forbidden", "owner role required", nil)
	}
	return nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerSpecialists(api huma.API, o *runtime.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-specialists",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/specialists",
		Summary:     "List specialists",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body []SpecialistResponse `json:"body"`
	}, error) {
		if _, authErr := workspaceActor(ctx, o, input.WorkspaceID); authErr != nil {
			return nil, authErr
		}
		items, err := o.ListSpecialists(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SpecialistResponse `json:"body"`
		}{Body: mapSpecialists(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upsert-specialist",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/specialists",
		Summary:       "Create or update a specialist",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                  `path:"workspace_id"`
		Body        UpsertSpecialistRequest `json:"body"`
	}) (*struct {
		Body SpecialistResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actor, authErr := workspaceActor(ctx, o, input.WorkspaceID)
		if authErr != nil {
			return nil, authErr
		}
		caps := make([]domain.Capability, 0, len(input.Body.Capabilities))
		for _, c := range input.Body.Capabilities {
			caps = append(caps, domain.Capability(c))
		}
		s, err := o.UpsertSpecialist(ctx, input.WorkspaceID, actor, domain.Specialist{
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			Prompt:       input.Body.Prompt,
			Persona:      input.Body.Persona,
			Capabilities: caps,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SpecialistResponse `json:"body"`
		}{Body: specialistResponse(s)}, nil
	})
}

func registerCompanion(api huma.API, o *runtime.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "companion-message",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/companion/messages",
		Summary:     "Send a companion message",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                  `path:"workspace_id"`
		Body        CompanionMessageRequest `json:"body"`
	}) (*struct {
		Body CompanionMessageResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Message) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message is required", nil)
		}
		actor, authErr := workspaceActor(ctx, o, input.WorkspaceID)
		if authErr != nil {
			return nil, authErr
		}
		reply, err := o.CompanionMessage(ctx, input.WorkspaceID, actor.UserID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompanionMessageResponse `json:"body"`
		}{Body: CompanionMessageResponse{Response: reply.Response, MemoryHits: reply.MemoryHits}}, nil
	})
}

func registerExecution(api huma.API, o *runtime.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-goal",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/execution/goals",
		Summary:     "Execute a goal via specialist delegation",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string             `path:"workspace_id"`
		Body        ExecuteGoalRequest `json:"body"`
	}) (*struct {
		Body ExecuteGoalResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Goal) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "goal is required", nil)
		}
		actor, authErr := workspaceActor(ctx, o, input.WorkspaceID)
		if authErr != nil {
			return nil, authErr
		}
		reply, err := o.ExecuteGoal(ctx, input.WorkspaceID, actor, input.Body.Goal, input.Body.ApprovedRequestIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecuteGoalResponse `json:"body"`
		}{Body: toExecuteGoalResponse(reply)}, nil
	})
}

func registerRunEvents(api huma.API, o *runtime.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "replay-run-events",
		Method:      http.MethodGet,
		Path:        "/agent-runs/{agent_run_id}/events",
		Summary:     "Replay a run's events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgentRunID string `path:"agent_run_id"`
		LastSeq    int64  `query:"last_seq"`
	}) (*struct {
		Body []RunEventResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		events, err := o.ReplayEvents(ctx, input.AgentRunID, actor, input.LastSeq)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunEventResponse `json:"body"`
		}{Body: mapRunEvents(events)}, nil
	})
}

func registerApprovals(api huma.API, o *runtime.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-approval",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/approvals",
		Summary:       "Create an approval request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                `path:"workspace_id"`
		Body        CreateApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		if input.Body.Action == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action is required", nil)
		}
		if !domain.ValidCapability(input.Body.Capability) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown capability", nil)
		}
		actor, authErr := workspaceActor(ctx, o, input.WorkspaceID)
		if authErr != nil {
			return nil, authErr
		}
		req, err := o.Approvals.Create(ctx, input.WorkspaceID, actor.UserID, domain.Capability(input.Body.Capability), input.Body.Action, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/approvals",
		Summary:     "List approval requests",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Status      string `query:"status" enum:"pending,approved,denied"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		actor, authErr := workspaceActor(ctx, o, input.WorkspaceID)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireOwner(actor); err != nil {
			return nil, err
		}
		items, err := o.Approvals.List(ctx, input.WorkspaceID, domain.ApprovalStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/decision",
		Summary:     "Decide an approval request",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ApprovalID string                `path:"approval_id"`
		Body       DecideApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := o.Approvals.Get(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := o.Access.EnsureWorkspaceAccess(ctx, req.WorkspaceID, actor); err != nil {
			return nil, handleError(err)
		}
		decided, err := o.Approvals.Decide(ctx, input.ApprovalID, actor.UserID, domain.ApprovalStatus(input.Body.Decision))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(decided)}, nil
	})
}

func registerAudit(api huma.API, o *runtime.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/audit-events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Limit       int    `query:"limit"`
		Verify      bool   `query:"verify"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		actor, authErr := workspaceActor(ctx, o, input.WorkspaceID)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireOwner(actor); err != nil {
			return nil, err
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := o.Audit.List(ctx, input.WorkspaceID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := AuditListResponse{Events: mapAuditEvents(items)}
		if input.Verify {
			ok, err := o.Audit.Verify(ctx, input.WorkspaceID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.ChainVerified = &ok
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMembers(api huma.API, o *runtime.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-workspace-member",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/members",
		Summary:       "Provision a workspace member",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string           `path:"workspace_id"`
		Body        AddMemberRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		actor, authErr := workspaceActor(ctx, o, input.WorkspaceID)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireOwner(actor); err != nil {
			return nil, err
		}
		if err := o.Access.AddMember(ctx, input.WorkspaceID, input.Body.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"workspace_id": input.WorkspaceID, "user_id": input.Body.UserID}}, nil
	})
}
