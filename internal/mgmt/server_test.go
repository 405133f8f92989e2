package mgmt

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/prospector/internal/config"
	perrors "github.com/veridian-labs/prospector/internal/errors"
	"github.com/veridian-labs/prospector/internal/health"
	"github.com/veridian-labs/prospector/internal/pipeline"
	"github.com/veridian-labs/prospector/internal/session"
)

type fakeWorkflow struct {
	snap       pipeline.Snapshot
	approveErr error
	rejectErr  error
	retryErr   error
	startErr   error
	approved   int
	stopped    int
}

func (f *fakeWorkflow) Start(_ context.Context, rawDomain string) (*session.Session, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	domain, err := session.NormalizeDomain(rawDomain)
	if err != nil {
		return nil, err
	}
	f.snap = pipeline.Snapshot{SessionID: "sess-1", Domain: domain, Stage: "site-analysis", State: pipeline.StateRunning}
	return &session.Session{ID: "sess-1", Domain: domain}, nil
}

func (f *fakeWorkflow) Resume(_ context.Context, sessionID, domain string) error {
	f.snap = pipeline.Snapshot{SessionID: sessionID, Domain: domain, State: pipeline.StateAwaitingApproval}
	return nil
}

func (f *fakeWorkflow) Approve(context.Context) error {
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approved++
	return nil
}

func (f *fakeWorkflow) Reject(_ context.Context, _ bool) error { return f.rejectErr }
func (f *fakeWorkflow) Retry(context.Context) error            { return f.retryErr }
func (f *fakeWorkflow) Stop()                                  { f.stopped++ }
func (f *fakeWorkflow) Abort(context.Context) error            { return nil }
func (f *fakeWorkflow) Snapshot() pipeline.Snapshot            { return f.snap }

func testConfig() *config.Config {
	return &config.Config{
		Environment:        "test",
		LogLevel:           "debug",
		MgmtListenAddr:     ":8090",
		MgmtAuthMode:       "none",
		MgmtRateLimitRPS:   100,
		MgmtRateLimitBurst: 200,
		CacheWindow:        2,
		ScrapeMaxPages:     50,
	}
}

func testApp(t *testing.T, wf Workflow, auth AuthConfig, rl RateLimitConfig) *fiber.App {
	t.Helper()
	logger := zerolog.Nop()
	checker := health.NewChecker(logger)
	handlers := NewHandlers(wf, checker, testConfig(), logger)
	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		AuthConfig: auth,
		RateLimit:  rl,
	}, handlers, nil, logger)
	return srv.App()
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req, err := http.NewRequest(method, path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestServer_Healthz(t *testing.T) {
	app := testApp(t, &fakeWorkflow{}, AuthConfig{Mode: "none"}, RateLimitConfig{})

	resp := doJSON(t, app, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ProbesSkipAuth(t *testing.T) {
	app := testApp(t, &fakeWorkflow{}, AuthConfig{Mode: "api-key", APIKey: "secret"}, RateLimitConfig{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp := doJSON(t, app, "GET", path, "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestServer_RequestID(t *testing.T) {
	app := testApp(t, &fakeWorkflow{}, AuthConfig{Mode: "none"}, RateLimitConfig{})

	resp := doJSON(t, app, "GET", "/healthz", "", nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	// An inbound ID is echoed, not replaced.
	resp = doJSON(t, app, "GET", "/healthz", "", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestServer_APIKeyAuth(t *testing.T) {
	wf := &fakeWorkflow{}
	app := testApp(t, wf, AuthConfig{Mode: "api-key", APIKey: "secret"}, RateLimitConfig{})

	resp := doJSON(t, app, "POST", "/api/v1/sessions", `{"domain":"acme.com"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, app, "POST", "/api/v1/sessions", `{"domain":"acme.com"}`,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, app, "POST", "/api/v1/sessions", `{"domain":"acme.com"}`,
		map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func signToken(t *testing.T, secret, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "operator@test",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestServer_JWTAuth(t *testing.T) {
	wf := &fakeWorkflow{}
	app := testApp(t, wf, AuthConfig{Mode: "jwt", JWTSecret: "jwt-secret"}, RateLimitConfig{})

	// Wrong secret rejected.
	resp := doJSON(t, app, "POST", "/api/v1/sessions", `{"domain":"acme.com"}`,
		map[string]string{"Authorization": "Bearer " + signToken(t, "other-secret", "operator")})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Operator may start sessions.
	resp = doJSON(t, app, "POST", "/api/v1/sessions", `{"domain":"acme.com"}`,
		map[string]string{"Authorization": "Bearer " + signToken(t, "jwt-secret", "operator")})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Readonly may look but not touch.
	ro := map[string]string{"Authorization": "Bearer " + signToken(t, "jwt-secret", "readonly")}
	resp = doJSON(t, app, "GET", "/api/v1/sessions/current", "", ro)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doJSON(t, app, "POST", "/api/v1/sessions/current/approve", "", ro)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_StartSession_Validation(t *testing.T) {
	app := testApp(t, &fakeWorkflow{}, AuthConfig{Mode: "none"}, RateLimitConfig{})

	resp := doJSON(t, app, "POST", "/api/v1/sessions", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var problem ProblemDetail
	json.NewDecoder(resp.Body).Decode(&problem)
	assert.Equal(t, "validation_error", problem.Type)

	resp = doJSON(t, app, "POST", "/api/v1/sessions", `{"domain":"not a domain"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_GetSession_NoneActive(t *testing.T) {
	app := testApp(t, &fakeWorkflow{}, AuthConfig{Mode: "none"}, RateLimitConfig{})

	resp := doJSON(t, app, "GET", "/api/v1/sessions/current", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Approve_Conflict(t *testing.T) {
	wf := &fakeWorkflow{approveErr: perrors.ErrPhaseInFlight}
	app := testApp(t, wf, AuthConfig{Mode: "none"}, RateLimitConfig{})

	resp := doJSON(t, app, "POST", "/api/v1/sessions/current/approve", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var problem ProblemDetail
	json.NewDecoder(resp.Body).Decode(&problem)
	assert.Equal(t, "phase_in_flight", problem.Type)
}

func TestServer_Approve_NoGate(t *testing.T) {
	wf := &fakeWorkflow{approveErr: perrors.NewValidation("no stage awaiting approval")}
	app := testApp(t, wf, AuthConfig{Mode: "none"}, RateLimitConfig{})

	resp := doJSON(t, app, "POST", "/api/v1/sessions/current/approve", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Reject_AbortFlag(t *testing.T) {
	wf := &fakeWorkflow{}
	app := testApp(t, wf, AuthConfig{Mode: "none"}, RateLimitConfig{})

	resp := doJSON(t, app, "POST", "/api/v1/sessions/current/reject", `{"abort":true}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_BackendErrorIsBadGateway(t *testing.T) {
	wf := &fakeWorkflow{startErr: perrors.NewRemote("session-store", 503, "unavailable")}
	app := testApp(t, wf, AuthConfig{Mode: "none"}, RateLimitConfig{})

	resp := doJSON(t, app, "POST", "/api/v1/sessions", `{"domain":"acme.com"}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_RateLimit(t *testing.T) {
	app := testApp(t, &fakeWorkflow{}, AuthConfig{Mode: "none"}, RateLimitConfig{RPS: 1, Burst: 1})

	resp := doJSON(t, app, "GET", "/api/v1/config", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, "GET", "/api/v1/config", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_PatchConfig_RequiresAdmin(t *testing.T) {
	app := testApp(t, &fakeWorkflow{}, AuthConfig{Mode: "jwt", JWTSecret: "jwt-secret"}, RateLimitConfig{})

	op := map[string]string{"Authorization": "Bearer " + signToken(t, "jwt-secret", "operator")}
	resp := doJSON(t, app, "PATCH", "/api/v1/config", `{"log_level":"debug"}`, op)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := map[string]string{"Authorization": "Bearer " + signToken(t, "jwt-secret", "admin")}
	resp = doJSON(t, app, "PATCH", "/api/v1/config", `{"log_level":"debug"}`, admin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
