package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/timerules/actions"
	"github.com/liamcoop/timerules/auth"
	"github.com/liamcoop/timerules/clockify"
	"github.com/liamcoop/timerules/idempotency"
	"github.com/liamcoop/timerules/installation"
	"github.com/liamcoop/timerules/internal/metrics"
	"github.com/liamcoop/timerules/multitenantengine"
	"github.com/liamcoop/timerules/ratelimit"
	"github.com/liamcoop/timerules/rules"
	"github.com/liamcoop/timerules/webhook"
)

const (
	testWorkspace = "ws1"
	testToken     = "install-token"
	testAddonKey  = "timerules"
)

// memoryClient records the entry a rule writes back
type memoryClient struct {
	mu    sync.Mutex
	entry clockify.TimeEntry
	puts  int
}

func (c *memoryClient) GetTimeEntry(ctx context.Context, id string) (*clockify.TimeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry
	e.ID = id
	return e.Clone(), nil
}

func (c *memoryClient) UpdateTimeEntry(ctx context.Context, entry *clockify.TimeEntry) (*clockify.TimeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.entry = *entry.Clone()
	return entry.Clone(), nil
}

func (c *memoryClient) ListTags(ctx context.Context, name string) ([]clockify.Tag, error) {
	return []clockify.Tag{{ID: "t-billable", Name: "billable"}}, nil
}

func (c *memoryClient) CreateTag(ctx context.Context, name string) (*clockify.Tag, error) {
	return &clockify.Tag{ID: "t-" + name, Name: name}, nil
}

func (c *memoryClient) ListProjects(ctx context.Context, name string) ([]clockify.Project, error) {
	return nil, nil
}

func (c *memoryClient) ListTasks(ctx context.Context, projectID, name string) ([]clockify.Task, error) {
	return nil, nil
}

func (c *memoryClient) Call(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	return http.StatusOK, nil, nil
}

type testServer struct {
	server        *Server
	installations *installation.MemoryStore
	manager       *multitenantengine.Manager
	client        *memoryClient
	metrics       *metrics.Metrics
	key           *rsa.PrivateKey
}

// newTestServer wires a server over in-memory stores. Without withJWT no
// platform key is configured.
func newTestServer(t *testing.T, withJWT bool, opts ...func(*Deps)) *testServer {
	t.Helper()

	installs := installation.NewMemoryStore()
	engine, err := rules.NewEngine()
	require.NoError(t, err)
	manager := multitenantengine.NewManager(rules.NewInMemoryRuleStore(), engine, rules.CacheConfig{TTL: time.Minute})
	m := metrics.New()
	manager.OnLoad(m.CacheLoaded)

	ts := &testServer{installations: installs, manager: manager, metrics: m, client: &memoryClient{
		entry: clockify.TimeEntry{Description: "Client call"},
	}}

	var verifier *auth.JWTVerifier
	verifiers := []auth.Verifier{auth.HMACVerifier{}}
	if withJWT {
		ts.key, err = rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		verifier, err = auth.NewJWTVerifier(&ts.key.PublicKey, testAddonKey, time.Second)
		require.NoError(t, err)
		verifiers = append(verifiers, verifier)
	}

	executor := actions.NewExecutor(func(*installation.Installation) actions.Client { return ts.client }, actions.Config{ApplyChanges: true})
	processor, err := webhook.NewProcessor(
		auth.NewAuthenticator(installs, verifiers...),
		idempotency.NewMemoryTracker(time.Minute, 0),
		manager, engine, executor,
		webhook.WithObserver(m),
	)
	require.NoError(t, err)

	deps := Deps{
		Manager:         manager,
		Installations:   installs,
		Processor:       processor,
		JWT:             verifier,
		Metrics:         m,
		Governor:        ratelimit.NewGovernor(ratelimit.DefaultConfig()),
		StorageName:     "memory",
		IdempotencyName: "memory",
		ApplyChanges:    true,
		MaxBodyBytes:    4096,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	ts.server = NewServer(deps)
	return ts
}

func (ts *testServer) token(t *testing.T, workspaceID string) string {
	t.Helper()
	claims := auth.Claims{
		WorkspaceID: workspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   testAddonKey,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(ts.key)
	require.NoError(t, err)
	return signed
}

// bearer returns an Authorization header carrying a token for workspaceID
func (ts *testServer) bearer(t *testing.T, workspaceID string) http.Header {
	t.Helper()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+ts.token(t, workspaceID))
	return h
}

func (ts *testServer) do(t *testing.T, method, path string, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

const installBody = `{"addonId":"a1","workspaceId":"ws1","authToken":"install-token","apiUrl":"https://api.example.test"}`

func (ts *testServer) install(t *testing.T) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/lifecycle/installed", installBody, ts.bearer(t, testWorkspace))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const billableRule = `{
	"name": "Tag client calls",
	"conditions": [{"field": "description", "operator": "CONTAINS", "value": "client"}],
	"actions": [{"type": "add_tag", "params": {"tag": "billable"}}]
}`

func TestHealth(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "memory", health.Storage)
	assert.True(t, health.ApplyChanges)
}

func TestLifecycle(t *testing.T) {
	ts := newTestServer(t, true)
	signed := ts.bearer(t, testWorkspace)
	ts.install(t)

	inst, err := ts.installations.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Equal(t, testToken, inst.Token)
	assert.Equal(t, "https://api.example.test", inst.APIBaseURL)

	rec := ts.do(t, http.MethodPost, "/api/v1/workspaces/ws1/rules/", billableRule, signed)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/lifecycle/deleted", `{"addonId":"a1","workspaceId":"ws1"}`, signed)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[InstallationResponse](t, rec)
	assert.Equal(t, "deleted", resp.Status)
	assert.Equal(t, 1, resp.RulesDeleted)

	_, err = ts.installations.Get(context.Background(), testWorkspace)
	assert.ErrorIs(t, err, installation.ErrInstallationNotFound)
}

func TestLifecycle_Rejections(t *testing.T) {
	ts := newTestServer(t, true)
	signed := ts.bearer(t, testWorkspace)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing token", "/lifecycle/installed", `{"workspaceId":"ws1"}`, http.StatusBadRequest},
		{"missing workspace", "/lifecycle/installed", `{"authToken":"x"}`, http.StatusBadRequest},
		{"bad json", "/lifecycle/installed", `{`, http.StatusBadRequest},
		{"bad workspace on delete", "/lifecycle/deleted", `{"workspaceId":"../x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tt.path, tt.body, signed)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestLifecycle_RequiresPlatformToken(t *testing.T) {
	ts := newTestServer(t, true)
	ctx := context.Background()
	ts.install(t)

	hijack := `{"workspaceId":"ws1","authToken":"attacker-token","apiUrl":"https://evil.example.test"}`
	rec := ts.do(t, http.MethodPost, "/lifecycle/installed", hijack, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unsigned reinstall")

	rec = ts.do(t, http.MethodPost, "/lifecycle/installed", hijack, ts.bearer(t, "ws2"))
	assert.Equal(t, http.StatusForbidden, rec.Code, "token for another workspace")

	inst, err := ts.installations.Get(ctx, testWorkspace)
	require.NoError(t, err)
	assert.Equal(t, testToken, inst.Token, "stored credential unchanged")
	assert.Equal(t, "https://api.example.test", inst.APIBaseURL)

	rec = ts.do(t, http.MethodPost, "/lifecycle/deleted", `{"workspaceId":"ws1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unsigned uninstall")

	rec = ts.do(t, http.MethodPost, "/lifecycle/deleted", `{"workspaceId":"ws1"}`, ts.bearer(t, "ws2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, err = ts.installations.Get(ctx, testWorkspace)
	assert.NoError(t, err, "installation survives rejected uninstalls")
}

func TestUnsignedCallsRefusedWithoutPlatformKey(t *testing.T) {
	ts := newTestServer(t, false)
	base := "/api/v1/workspaces/ws1/rules/"

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"install", http.MethodPost, "/lifecycle/installed", installBody},
		{"uninstall", http.MethodPost, "/lifecycle/deleted", `{"workspaceId":"ws1"}`},
		{"list rules", http.MethodGet, base, ""},
		{"create rule", http.MethodPost, base, billableRule},
		{"delete rules", http.MethodDelete, base, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
		})
	}

	_, err := ts.installations.Get(context.Background(), testWorkspace)
	assert.ErrorIs(t, err, installation.ErrInstallationNotFound)
	n, err := ts.manager.Store().Count(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsecureAllowUnsigned(t *testing.T) {
	ts := newTestServer(t, false, func(d *Deps) { d.AllowUnsigned = true })

	rec := ts.do(t, http.MethodPost, "/lifecycle/installed", installBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/workspaces/ws1/rules/", billableRule, nil)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestRulesCRUD(t *testing.T) {
	ts := newTestServer(t, true)
	base := "/api/v1/workspaces/ws1/rules"
	signed := ts.bearer(t, testWorkspace)

	rec := ts.do(t, http.MethodPost, base+"/", billableRule, signed)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[rules.Rule](t, rec)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)

	rec = ts.do(t, http.MethodGet, base+"/"+created.ID, "", signed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Tag client calls", decode[rules.Rule](t, rec).Name)

	updated := strings.Replace(billableRule, `"name": "Tag client calls"`, `"name": "Tag calls", "enabled": false`, 1)
	rec = ts.do(t, http.MethodPut, base+"/"+created.ID, updated, signed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[rules.Rule](t, rec).Enabled)

	rec = ts.do(t, http.MethodGet, base+"/", "", signed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[RulesListResponse](t, rec).Count)

	rec = ts.do(t, http.MethodGet, base+"/?enabled=true", "", signed)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[RulesListResponse](t, rec)
	assert.Zero(t, list.Count)
	assert.NotNil(t, list.Rules)

	rec = ts.do(t, http.MethodDelete, base+"/"+created.ID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unsigned delete")

	rec = ts.do(t, http.MethodDelete, base+"/"+created.ID, "", signed)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, base+"/"+created.ID, "", signed)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodGet, base+"/"+created.ID, "", signed)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRules_Errors(t *testing.T) {
	ts := newTestServer(t, true)
	base := "/api/v1/workspaces/ws1/rules"
	signed := ts.bearer(t, testWorkspace)

	rec := ts.do(t, http.MethodPost, base+"/", `{"name":"no actions","conditions":[{"field":"description","operator":"EXISTS"}]}`, signed)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation failed", resp.Error)
	assert.Equal(t, "actions", resp.Field)

	rec = ts.do(t, http.MethodPost, base+"/", `{"name":"bad action","conditions":[{"field":"description","operator":"EXISTS"}],"actions":[{"type":"delete_everything"}]}`, signed)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, base+"/", `{"name":"x","conditions":[{"field":"description","operator":"EXISTS"}],"actions":[{"params":{"tag":"a"}}]}`, signed)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "actions.0", decode[ErrorResponse](t, rec).Field)

	rec = ts.do(t, http.MethodPut, base+"/missing", billableRule, signed)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, base+"/?enabled=maybe", "", signed)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/workspaces/bad%20id/rules/", "", signed)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteAllAndRefresh(t *testing.T) {
	ts := newTestServer(t, true)
	base := "/api/v1/workspaces/ws1/rules"
	signed := ts.bearer(t, testWorkspace)
	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, base+"/", billableRule, signed)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, base+"/refresh", "", signed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[RefreshResponse](t, rec).EnabledRules)

	rec = ts.do(t, http.MethodDelete, base+"/", "", signed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[DeleteRulesResponse](t, rec).Deleted)
}

func TestWebhook_AppliesRule(t *testing.T) {
	ts := newTestServer(t, true)
	ts.install(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/workspaces/ws1/rules/", billableRule, ts.bearer(t, testWorkspace))
	require.Equal(t, http.StatusCreated, rec.Code)

	body := `{"workspaceId":"ws1","timeEntry":{"id":"te1","description":"Client call"}}`
	header := http.Header{}
	header.Set("Clockify-Signature", auth.Sign(testToken, []byte(body)))

	rec = ts.do(t, http.MethodPost, "/webhook/NEW_TIME_ENTRY", body, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[webhook.Summary](t, rec)
	assert.Equal(t, webhook.StatusActionsApplied, summary.Status)
	assert.Equal(t, "NEW_TIME_ENTRY", summary.Event)
	assert.Equal(t, []string{"t-billable"}, ts.client.entry.TagIDs)

	rec = ts.do(t, http.MethodPost, "/webhook/NEW_TIME_ENTRY", body, header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, webhook.StatusDuplicate, decode[webhook.Summary](t, rec).Status)
	assert.Equal(t, 1, ts.client.puts)

	metricsRec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, metricsRec.Code)
	assert.Contains(t, metricsRec.Body.String(), `timerules_webhook_events_total{status="duplicate"} 1`)
}

func TestWebhook_Rejections(t *testing.T) {
	ts := newTestServer(t, true)
	ts.install(t)

	body := `{"workspaceId":"ws1","event":"NEW_TIME_ENTRY","timeEntry":{"id":"te1"}}`
	bad := http.Header{}
	bad.Set("Clockify-Signature", auth.Sign("other-token", []byte(body)))

	rec := ts.do(t, http.MethodPost, "/webhook", body, bad)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/webhook", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/webhook", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/webhook", `{"event":"NEW_TIME_ENTRY","timeEntry":{"id":"te1"}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing workspace")

	big := `{"workspaceId":"ws1","pad":"` + strings.Repeat("x", 5000) + `"}`
	rec = ts.do(t, http.MethodPost, "/webhook", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestJWTGuardsManagementRoutes(t *testing.T) {
	ts := newTestServer(t, true)
	base := "/api/v1/workspaces/ws1/rules/"

	rec := ts.do(t, http.MethodGet, base, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, base, "", ts.bearer(t, "ws2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, base, "", ts.bearer(t, testWorkspace))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/lifecycle/installed", `{"workspaceId":"ws1","authToken":"t"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	header := http.Header{}
	header.Set("X-Addon-Token", ts.token(t, testWorkspace))
	rec = ts.do(t, http.MethodPost, "/lifecycle/installed", `{"workspaceId":"ws1","authToken":"t"}`, header)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestMeteredLimiterCountsRefusals(t *testing.T) {
	m := metrics.New()
	limiter := meteredLimiter{
		governor: ratelimit.NewGovernor(ratelimit.Config{RequestsPerSecond: 0.001, Burst: 1, MaxWait: time.Millisecond}),
		metrics:  m,
	}

	require.NoError(t, limiter.Wait(context.Background(), testWorkspace))
	err := limiter.Wait(context.Background(), testWorkspace)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", bytes.NewReader(nil)))
	assert.Contains(t, rec.Body.String(), "timerules_rate_limited_total 1")
}
