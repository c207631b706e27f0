package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"elara/internal/approval"
	"elara/internal/audit"
	"elara/internal/completion"
	"elara/internal/config"
	"elara/internal/db"
	"elara/internal/migrate"
	"elara/internal/outbox"
	"elara/internal/repo"
	"elara/internal/runtime"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	cfg := config.Default()
	orch := runtime.New(cfg, r, approval.New(r), audit.New(r), outbox.New(r), &runtime.AccessRegistry{Workspaces: r}, repo.MemoryStore{Repo: r}, completion.StubClient{})
	handler, err := New(Config{
		Orchestrator: orch,
		BasePath:     "/v0",
		Auth: AuthConfig{
			JWTSecret:               testJWTSecret,
			AllowLegacyActorHeaders: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func ownerHeaders(id string) map[string]string {
	return map[string]string{"X-User-Id": id, "X-User-Role": "owner"}
}

func memberHeaders(id string) map[string]string {
	return map[string]string{"X-User-Id": id, "X-User-Role": "member"}
}

func signToken(t *testing.T, userID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestGoalExecutionRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/specialists", map[string]any{
		"id": "spec-a", "name": "Analyst", "prompt": "Analyze", "persona_text": "Methodical",
		"capabilities": []string{"delegate", "write_memory"},
	}, ownerHeaders("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upsert specialist status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/execution/goals", map[string]any{
		"goal": "build report",
	}, ownerHeaders("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute goal status %d: %s", res.StatusCode, string(data))
	}
	var reply ExecuteGoalResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if len(reply.DelegatedResults) != 1 {
		t.Fatalf("expected 1 delegated result: %+v", reply)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/agent-runs/"+reply.AgentRunID+"/events", nil, ownerHeaders("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	var events []RunEventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	want := []string{"run.started", "task.delegated", "task.completed", "run.completed"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %s", len(want), string(data))
	}
	for i, e := range events {
		if e.EventType != want[i] {
			t.Fatalf("event %d: want %s got %s", i, want[i], e.EventType)
		}
	}

	// another actor may not replay the run
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/agent-runs/"+reply.AgentRunID+"/events", nil, memberHeaders("u2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign replay, got %d: %s", res.StatusCode, string(data))
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/specialists", map[string]any{
		"id": "spec-risky", "name": "Operator", "prompt": "Operate", "persona_text": "Cautious",
		"capabilities": []string{"delegate", "external_action"},
	}, ownerHeaders("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upsert specialist status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/execution/goals", map[string]any{
		"goal": "ship release",
	}, ownerHeaders("u1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 approval required, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "approval_required" {
		t.Fatalf("unexpected error code: %s", string(data))
	}
	approvalID, _ := envelope.Error.Details["approval_id"].(string)
	if approvalID == "" {
		t.Fatalf("missing approval id: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+approvalID+"/decision", map[string]any{
		"decision": "approved",
	}, ownerHeaders("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}

	// deciding twice conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+approvalID+"/decision", map[string]any{
		"decision": "denied",
	}, ownerHeaders("u1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second decision, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/execution/goals", map[string]any{
		"goal":                 "ship release",
		"approved_request_ids": []string{approvalID},
	}, ownerHeaders("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("retry status %d: %s", res.StatusCode, string(data))
	}
	var reply ExecuteGoalResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if len(reply.DelegatedResults) != 1 {
		t.Fatalf("expected exactly 1 delegated result: %+v", reply)
	}
}

func TestAuditEndpointOwnerOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/specialists", map[string]any{
		"id": "spec-a", "name": "Analyst", "prompt": "p", "persona_text": "s",
		"capabilities": []string{"delegate"},
	}, ownerHeaders("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upsert status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/members", map[string]any{
		"user_id": "u2",
	}, ownerHeaders("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add member status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/audit-events?verify=true", nil, ownerHeaders("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit read status %d: %s", res.StatusCode, string(data))
	}
	var audit AuditListResponse
	if err := json.Unmarshal(data, &audit); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(audit.Events) == 0 {
		t.Fatalf("expected audit entries: %s", string(data))
	}
	if audit.ChainVerified == nil || !*audit.ChainVerified {
		t.Fatalf("chain verification failed: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/audit-events", nil, memberHeaders("u2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for member audit read, got %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := signToken(t, "u1", "owner")
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/specialists", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt request status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/specialists", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/specialists", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", res.StatusCode)
	}
}

func TestCompanionMessageOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/companion/messages", map[string]any{
		"message": "remember the release checklist",
	}, ownerHeaders("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("companion status %d: %s", res.StatusCode, string(data))
	}
	var reply CompanionMessageResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Response == "" {
		t.Fatalf("empty companion response: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/agent-runs/companion-ws-1/events", nil, ownerHeaders("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("companion replay status %d: %s", res.StatusCode, string(data))
	}
	var events []RunEventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "companion.message" {
		t.Fatalf("unexpected companion events: %s", string(data))
	}
	if _, ok := events[0].Payload["memory_hit_count"]; !ok || len(events[0].Payload) != 1 {
		t.Fatalf("payload must carry only the hit count: %s", string(data))
	}
}
