package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/command"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeHandler records dispatched envelopes and answers with a canned
// result.
type fakeHandler struct {
	mu      sync.Mutex
	channel string
	cmds    []command.Command
	result  *command.Result
}

func (f *fakeHandler) Handle(_ context.Context, channel string, cmd command.Command) command.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channel
	f.cmds = append(f.cmds, cmd)
	if f.result != nil {
		return *f.result
	}
	return command.OK("done", nil)
}

func (f *fakeHandler) last(t *testing.T) command.Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		t.Fatal("no envelope dispatched")
	}
	return f.cmds[len(f.cmds)-1]
}

type fakeTrail struct {
	records []audit.Record
	limit   int
}

func (f *fakeTrail) Recent(_ context.Context, limit int) ([]audit.Record, error) {
	f.limit = limit
	return f.records, nil
}

type fakeDirectory []string

func (f fakeDirectory) Names() []string { return f }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Handler == nil {
		cfg.Handler = &fakeHandler{}
	}
	return NewServer(cfg, testLogger())
}

func doRequest(t *testing.T, s *Server, method, path, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestExecute_RoutesEnvelope(t *testing.T) {
	h := &fakeHandler{}
	s := newTestServer(t, Config{Handler: h})

	rec := doRequest(t, s, http.MethodPost, "/api/execute",
		`{"command_type":"shell","action":"execute","parameters":{"command":"ls -la"}}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if h.channel != "api" {
		t.Fatalf("channel = %q, want api", h.channel)
	}

	cmd := h.last(t)
	if cmd.Type != command.TypeShell || cmd.Action != "execute" {
		t.Fatalf("envelope = %+v", cmd)
	}
	if cmd.CallerID != "api" {
		t.Fatalf("caller = %q, want api default", cmd.CallerID)
	}
	if cmd.Timestamp.IsZero() {
		t.Fatal("timestamp not defaulted")
	}
}

func TestExecute_BadJSON(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := doRequest(t, s, http.MethodPost, "/api/execute", `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestExecute_StatusMapping(t *testing.T) {
	cases := []struct {
		kind command.Kind
		want int
	}{
		{command.KindInvalidCommandType, http.StatusBadRequest},
		{command.KindInvalidAction, http.StatusBadRequest},
		{command.KindEmptyCommand, http.StatusBadRequest},
		{command.KindMalformedCommand, http.StatusBadRequest},
		{command.KindInvalidArgument, http.StatusBadRequest},
		{command.KindCommandNotAllowed, http.StatusForbidden},
		{command.KindDirectoryNotAllowed, http.StatusForbidden},
		{command.KindPathNotAllowed, http.StatusForbidden},
		{command.KindLogAccessDenied, http.StatusForbidden},
		{command.KindUnknownProject, http.StatusNotFound},
		// Execution outcomes stay 200 with the structured body.
		{command.KindTimeout, http.StatusOK},
		{command.KindExecutionError, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			res := command.Fail(command.Errorf(tc.kind, "nope"))
			h := &fakeHandler{result: &res}
			s := newTestServer(t, Config{Handler: h})

			rec := doRequest(t, s, http.MethodPost, "/api/execute",
				`{"command_type":"shell","action":"execute"}`, nil)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}

			body := decodeBody(t, rec)
			if body["success"] != false {
				t.Fatalf("body = %v", body)
			}
		})
	}
}

func basicAuthSettings(t *testing.T) AuthSettings {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return AuthSettings{Username: "admin", PasswordBcrypt: string(hash)}
}

func TestAuth_RequiredWhenConfigured(t *testing.T) {
	s := newTestServer(t, Config{Auth: basicAuthSettings(t)})

	rec := doRequest(t, s, http.MethodGet, "/api/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("WWW-Authenticate header missing")
	}

	// Health stays open.
	rec = doRequest(t, s, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
}

func TestAuth_BasicCredentials(t *testing.T) {
	h := &fakeHandler{}
	s := newTestServer(t, Config{Handler: h, Auth: basicAuthSettings(t)})

	// Wrong password rejected.
	rec := doRequest(t, s, http.MethodGet, "/api/status", "", func(r *http.Request) {
		r.SetBasicAuth("admin", "wrong")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// Wrong username rejected even with the right password.
	rec = doRequest(t, s, http.MethodGet, "/api/status", "", func(r *http.Request) {
		r.SetBasicAuth("root", "hunter2")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// Good credentials pass and become the envelope caller, overriding
	// whatever the body claims.
	rec = doRequest(t, s, http.MethodPost, "/api/execute",
		`{"command_type":"shell","action":"execute","caller_id":"spoofed"}`,
		func(r *http.Request) { r.SetBasicAuth("admin", "hunter2") })
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := h.last(t).CallerID; got != "admin" {
		t.Fatalf("caller = %q, want admin", got)
	}
}

func TestAuth_BearerToken(t *testing.T) {
	secret := []byte("test-secret")
	h := &fakeHandler{}
	s := newTestServer(t, Config{Handler: h, Auth: AuthSettings{JWTSecret: secret}})

	token, err := GenerateToken(secret, "deploy-bot", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	rec := doRequest(t, s, http.MethodPost, "/api/execute",
		`{"command_type":"system","action":"status"}`,
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := h.last(t).CallerID; got != "deploy-bot" {
		t.Fatalf("caller = %q, want deploy-bot", got)
	}

	// Garbage token rejected.
	rec = doRequest(t, s, http.MethodGet, "/api/status", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer not.a.token")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestToken_Expiry(t *testing.T) {
	secret := []byte("test-secret")

	token, err := GenerateToken(secret, "u", time.Nanosecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ValidateToken(token, secret); err == nil {
		t.Fatal("expired token validated")
	}

	token, err = GenerateToken(secret, "u", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ValidateToken(token, []byte("other-secret")); err == nil {
		t.Fatal("token validated with wrong secret")
	}

	caller, err := ValidateToken(token, secret)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if caller != "u" {
		t.Fatalf("caller = %q", caller)
	}
}

func TestDroplets_Routes(t *testing.T) {
	h := &fakeHandler{}
	s := newTestServer(t, Config{Handler: h})

	doRequest(t, s, http.MethodGet, "/api/droplets", "", nil)
	if cmd := h.last(t); cmd.Type != command.TypeDroplet || cmd.Action != "list" {
		t.Fatalf("envelope = %+v", cmd)
	}

	doRequest(t, s, http.MethodPost, "/api/droplets",
		`{"name":"web-1","region":"fra1","size":"s-1vcpu-1gb","image":"ubuntu-24-04-x64"}`, nil)
	cmd := h.last(t)
	if cmd.Action != "create" || cmd.Parameters["name"] != "web-1" {
		t.Fatalf("envelope = %+v", cmd)
	}

	doRequest(t, s, http.MethodGet, "/api/droplets/42", "", nil)
	cmd = h.last(t)
	if cmd.Action != "status" || cmd.Parameters["droplet_id"] != int64(42) {
		t.Fatalf("envelope = %+v", cmd)
	}

	doRequest(t, s, http.MethodPost, "/api/droplets/42/actions", `{"action":"reboot"}`, nil)
	cmd = h.last(t)
	if cmd.Action != "reboot" || cmd.Parameters["droplet_id"] != int64(42) {
		t.Fatalf("envelope = %+v", cmd)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/droplets/banana", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/droplets/42/actions", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty action status = %d, want 400", rec.Code)
	}
}

func TestSystem_Routes(t *testing.T) {
	h := &fakeHandler{}
	s := newTestServer(t, Config{Handler: h})

	doRequest(t, s, http.MethodGet, "/api/system/status", "", nil)
	if cmd := h.last(t); cmd.Type != command.TypeSystem || cmd.Action != "status" {
		t.Fatalf("envelope = %+v", cmd)
	}

	doRequest(t, s, http.MethodGet, "/api/system/process/1234", "", nil)
	cmd := h.last(t)
	if cmd.Action != "process" || cmd.Parameters["pid"] != 1234 {
		t.Fatalf("envelope = %+v", cmd)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/system/process/zero", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestProjects_List(t *testing.T) {
	s := newTestServer(t, Config{Projects: fakeDirectory{"blog", "shop"}})

	rec := doRequest(t, s, http.MethodGet, "/api/projects", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	names, _ := body["projects"].([]any)
	if len(names) != 2 || names[0] != "blog" {
		t.Fatalf("projects = %v", body["projects"])
	}
}

func TestProjects_ActionsAndLogs(t *testing.T) {
	h := &fakeHandler{}
	s := newTestServer(t, Config{Handler: h})

	doRequest(t, s, http.MethodPost, "/api/projects/blog/restart", "", nil)
	cmd := h.last(t)
	if cmd.Type != command.TypeProject || cmd.Action != "restart" || cmd.Parameters["project"] != "blog" {
		t.Fatalf("envelope = %+v", cmd)
	}

	doRequest(t, s, http.MethodGet, "/api/projects/blog/logs?lines=50", "", nil)
	cmd = h.last(t)
	if cmd.Action != "logs" || cmd.Parameters["lines"] != 50 {
		t.Fatalf("envelope = %+v", cmd)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/projects/blog/logs?lines=many", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad lines status = %d, want 400", rec.Code)
	}

	// Logs are a read; POST is the wrong verb for them.
	rec = doRequest(t, s, http.MethodPost, "/api/projects/blog/logs", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/projects/blog", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing action status = %d, want 400", rec.Code)
	}
}

func TestAudit_Endpoint(t *testing.T) {
	trail := &fakeTrail{records: []audit.Record{
		{ID: "a", Caller: "admin", Decision: audit.DecisionExecuted},
		{ID: "b", Caller: "admin", Decision: audit.DecisionDenied},
	}}
	s := newTestServer(t, Config{Trail: trail})

	rec := doRequest(t, s, http.MethodGet, "/api/audit?limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if trail.limit != 10 {
		t.Fatalf("limit = %d, want 10", trail.limit)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(2) {
		t.Fatalf("count = %v", body["count"])
	}

	rec = doRequest(t, s, http.MethodGet, "/api/audit?limit=many", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestAudit_NoQueryBackend(t *testing.T) {
	s := newTestServer(t, Config{})
	rec := doRequest(t, s, http.MethodGet, "/api/audit", "", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestStatus_Shape(t *testing.T) {
	s := newTestServer(t, Config{Version: "1.2.3", Channels: []string{"telegram", "api"}})

	rec := doRequest(t, s, http.MethodGet, "/api/status", "", nil)
	body := decodeBody(t, rec)
	if body["version"] != "1.2.3" {
		t.Fatalf("version = %v", body["version"])
	}
	chs, _ := body["channels"].([]any)
	if len(chs) != 2 {
		t.Fatalf("channels = %v", body["channels"])
	}
}

func TestCORS_Preflight(t *testing.T) {
	s := newTestServer(t, Config{Auth: basicAuthSettings(t)})

	// Preflight passes without credentials.
	rec := doRequest(t, s, http.MethodOptions, "/api/execute", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("CORS header missing")
	}
}
