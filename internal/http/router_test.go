package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-gateway/internal/auth"
	"github.com/tbourn/go-chat-gateway/internal/config"
	"github.com/tbourn/go-chat-gateway/internal/domain"
	"github.com/tbourn/go-chat-gateway/internal/http/middleware"
	"github.com/tbourn/go-chat-gateway/internal/repo"
	"github.com/tbourn/go-chat-gateway/internal/seed"
	"github.com/tbourn/go-chat-gateway/internal/upstream"
)

const base = "/api/v1"

// fakeDify answers the few AI service endpoints the gateway calls.
type fakeDify struct {
	mu        sync.Mutex
	chats     []map[string]any
	deletes   []string
	authSeen  string
	convID    string
	failChats bool
}

func (f *fakeDify) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.authSeen = r.Header.Get("Authorization")
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/chat-messages":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.chats = append(f.chats, body)
		fail := f.failChats
		f.mu.Unlock()
		if fail {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"code":"invalid_param","message":"bad query"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		for _, fr := range []string{
			`{"event":"message","task_id":"task-1","conversation_id":"%s","message_id":"m1","answer":"Hi "}`,
			`{"event":"message","task_id":"task-1","conversation_id":"%s","message_id":"m1","answer":"there"}`,
			`{"event":"message_end","task_id":"task-1","conversation_id":"%s","message_id":"m1"}`,
		} {
			fmt.Fprintf(w, "data: "+fr+"\n\n", f.convID)
			if fl != nil {
				fl.Flush()
			}
		}
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/conversations/"):
		f.mu.Lock()
		f.deletes = append(f.deletes, strings.TrimPrefix(r.URL.Path, "/v1/conversations/"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"result":"success"}`)
	default:
		http.NotFound(w, r)
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig(upstreamURL string) config.Config {
	return config.Config{
		APIBasePath:    base,
		RateRPS:        1000,
		RateBurst:      1000,
		CORS:           config.CORSConfig{AllowedOrigins: nil},
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
		Upstream:       config.UpstreamConfig{BaseURL: upstreamURL, APIKey: "app-test", Timeout: 5 * time.Second, StopTimeout: time.Second},
		Auth:           config.AuthConfig{JWTSecret: "router-secret", TokenTTL: time.Hour},
		MaxUploadBytes: 1 << 20,
		TitleMaxRunes:  24,
		IdempotencyTTL: time.Hour,
	}
}

type testServer struct {
	r    *gin.Engine
	db   *gorm.DB
	dify *fakeDify
	cfg  config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dify := &fakeDify{convID: "conv-" + uuid.NewString()}
	srv := httptest.NewServer(dify)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	db := newTestDB(t)
	r := gin.New()
	RegisterRoutes(r, db, upstream.New(cfg.Upstream), cfg)
	return &testServer{r: r, db: db, dify: dify, cfg: cfg}
}

func (s *testServer) do(method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	return w
}

func identity(tenant, user string) map[string]string {
	h := map[string]string{}
	if tenant != "" {
		h[middleware.HeaderTenantID] = tenant
	}
	if user != "" {
		h[middleware.HeaderUserID] = user
	}
	return h
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e struct {
		RequestID string `json:"request_id"`
		Code      string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body: %v; %s", err, w.Body.String())
	}
	if e.RequestID == "" {
		t.Fatalf("error envelope without request_id: %s", w.Body.String())
	}
	return e.Code
}

func TestRegisterRoutes_HealthMetricsCORS(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-all CORS expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}

	w = s.do(http.MethodGet, "/ready", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /ready = %d; body=%s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics: code=%d len=%d", w.Code, w.Body.Len())
	}

	// Preflight lists the identity headers.
	req := httptest.NewRequest(http.MethodOptions, base+"/chat-sessions/list", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "X-Tenant-ID, X-User-ID")
	w = httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent && w.Code != http.StatusOK {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if allow := strings.ToLower(w.Header().Get("Access-Control-Allow-Headers")); !strings.Contains(allow, "x-tenant-id") {
		t.Fatalf("preflight allow-headers = %q", allow)
	}
}

func TestRegisterRoutes_TenantAndUserGate(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, base+"/chat-sessions/list", nil, nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "missing_tenant" {
		t.Fatalf("no tenant: %d %s", w.Code, w.Body.String())
	}

	// Unknown paths under the base are still gated.
	w = s.do(http.MethodGet, base+"/nope", nil, nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "missing_tenant" {
		t.Fatalf("unknown path without tenant: %d %s", w.Code, w.Body.String())
	}
	w = s.do(http.MethodGet, base+"/nope", nil, identity("t1", ""))
	if w.Code != http.StatusNotFound || errorCode(t, w) != "not_found" {
		t.Fatalf("unknown path: %d %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodGet, base+"/chat-sessions/list", nil, identity("t1", ""))
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "missing_user" {
		t.Fatalf("no user: %d %s", w.Code, w.Body.String())
	}

	// Rename needs a tenant but no user.
	w = s.do(http.MethodPost, base+"/chat-sessions/c-missing/rename", map[string]string{"title": "x"}, identity("t1", ""))
	if w.Code != http.StatusNotFound {
		t.Fatalf("rename unknown: %d %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodPut, base+"/chat-sessions/list", nil, identity("t1", "u1"))
	if w.Code != http.StatusMethodNotAllowed || errorCode(t, w) != "method_not_allowed" {
		t.Fatalf("wrong method: %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_StreamReconcilesSession(t *testing.T) {
	s := newTestServer(t)
	id := identity("t1", "u1")

	w := s.do(http.MethodPost, base+"/chat-messages", map[string]any{"query": "Hello gateway"}, id)
	if w.Code != http.StatusOK {
		t.Fatalf("chat status = %d; body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}
	if w.Header().Get("Content-Encoding") != "" {
		t.Fatalf("stream must not be compressed")
	}
	out := w.Body.String()
	if !strings.Contains(out, `"answer":"Hi "`) || !strings.Contains(out, "message_end") {
		t.Fatalf("stream body = %q", out)
	}

	s.dify.mu.Lock()
	sent := s.dify.chats[0]
	auth := s.dify.authSeen
	s.dify.mu.Unlock()
	if sent["user"] != "u1" || sent["response_mode"] != "streaming" || sent["query"] != "Hello gateway" {
		t.Fatalf("upstream body = %v", sent)
	}
	if auth != "Bearer app-test" {
		t.Fatalf("upstream auth = %q", auth)
	}

	w = s.do(http.MethodGet, base+"/chat-sessions/latest", nil, id)
	var latest struct {
		ConversationID *string `json:"conversation_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &latest)
	if latest.ConversationID == nil || *latest.ConversationID != s.dify.convID {
		t.Fatalf("latest = %s", w.Body.String())
	}

	w = s.do(http.MethodGet, base+"/chat-sessions/list", nil, id)
	var list struct {
		Sessions []domain.ChatSession `json:"sessions"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Sessions) != 1 {
		t.Fatalf("sessions = %s", w.Body.String())
	}
	got := list.Sessions[0]
	if got.TenantID != "t1" || got.Title == domain.DefaultSessionTitle || !strings.HasPrefix(got.Title, "Hello gateway") {
		t.Fatalf("session = %+v", got)
	}

	// Another user of the same tenant sees nothing.
	w = s.do(http.MethodGet, base+"/chat-sessions/list", nil, identity("t1", "u2"))
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Sessions) != 0 {
		t.Fatalf("u2 sessions = %+v", list.Sessions)
	}
}

func TestRegisterRoutes_UpstreamRejectionBeforeStream(t *testing.T) {
	s := newTestServer(t)
	s.dify.failChats = true

	w := s.do(http.MethodPost, base+"/chat-messages", map[string]any{"query": "q"}, identity("t1", "u1"))
	if w.Code != http.StatusBadGateway || errorCode(t, w) != "upstream_error" {
		t.Fatalf("status = %d; body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"upstream_status":400`) {
		t.Fatalf("upstream status missing: %s", w.Body.String())
	}
	if n, _ := repo.CountSessions(context.Background(), s.db, "u1"); n != 0 {
		t.Fatalf("failed chat must not create a session, got %d", n)
	}
}

func TestRegisterRoutes_NewSessionReplayAndDelete(t *testing.T) {
	s := newTestServer(t)
	id := identity("t1", "u1")
	id[middleware.HeaderIdempotencyKey] = "new-1"

	w := s.do(http.MethodPost, base+"/chat-sessions/new", nil, id)
	if w.Code != http.StatusCreated {
		t.Fatalf("new: %d %s", w.Code, w.Body.String())
	}
	var first struct {
		Session domain.ChatSession `json:"session"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &first)

	w = s.do(http.MethodPost, base+"/chat-sessions/new", nil, id)
	var again struct {
		Session domain.ChatSession `json:"session"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &again)
	if w.Code != http.StatusOK || w.Header().Get("Idempotent-Replay") != "true" || again.Session.ExternalID != first.Session.ExternalID {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}

	conv := first.Session.ExternalID
	w = s.do(http.MethodDelete, base+"/conversations/"+conv, nil, identity("t1", "u1"))
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	s.dify.mu.Lock()
	deletes := append([]string(nil), s.dify.deletes...)
	s.dify.mu.Unlock()
	if len(deletes) != 1 || deletes[0] != conv {
		t.Fatalf("upstream deletes = %v", deletes)
	}
	if n, _ := repo.CountSessions(context.Background(), s.db, "u1"); n != 0 {
		t.Fatalf("sessions after delete = %d", n)
	}
}

func TestRegisterRoutes_SignInAndAdmin(t *testing.T) {
	s := newTestServer(t)
	res, err := seed.EnsureDefaults(context.Background(), s.db, config.SeedConfig{
		Enabled:            true,
		SuperAdminEmail:    "root@example.com",
		SuperAdminPassword: "rootpass1",
		TenantCode:         "0001",
		AdminEmail:         "admin@example.com",
		AdminPassword:      "adminpass1",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := s.do(http.MethodGet, base+"/super-admin/tenants", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous super-admin: %d", w.Code)
	}

	// /auth is exempt from the tenant gate.
	w = s.do(http.MethodPost, base+"/auth/signin", map[string]string{
		"email": "admin@example.com", "password": "adminpass1", "tenant_code": "0001",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin signin: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("auth responses must not be cached, got %q", w.Header().Get("Cache-Control"))
	}
	var signin struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &signin)
	if signin.AccessToken == "" || signin.ExpiresIn != 3600 {
		t.Fatalf("signin = %s", w.Body.String())
	}
	adminAuth := map[string]string{"Authorization": "Bearer " + signin.AccessToken}

	w = s.do(http.MethodGet, base+"/super-admin/tenants", nil, adminAuth)
	if w.Code != http.StatusForbidden {
		t.Fatalf("admin on super-admin: %d", w.Code)
	}

	hdr := map[string]string{"Authorization": adminAuth["Authorization"], middleware.HeaderTenantID: res.TenantID}
	w = s.do(http.MethodPost, base+"/users", map[string]string{"email": "bob@example.com", "password": "bobpass1"}, hdr)
	if w.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", w.Code, w.Body.String())
	}
	w = s.do(http.MethodGet, base+"/users", nil, hdr)
	var users struct {
		Users []map[string]any `json:"users"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &users)
	if w.Code != http.StatusOK || len(users.Users) != 2 {
		t.Fatalf("tenant users: %d %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodPost, base+"/auth/signin", map[string]string{
		"email": "root@example.com", "password": "rootpass1",
	}, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &signin)
	w = s.do(http.MethodGet, base+"/super-admin/tenants", nil, map[string]string{"Authorization": "Bearer " + signin.AccessToken})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"code":"0001"`) {
		t.Fatalf("super admin tenants: %d %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodPost, base+"/auth/signin", map[string]string{
		"email": "admin@example.com", "password": "wrong-pass", "tenant_code": "0001",
	}, nil)
	if w.Code != http.StatusUnauthorized || errorCode(t, w) != "invalid_credentials" {
		t.Fatalf("bad password: %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_RateLimitFollowsTokenNotHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig("http://127.0.0.1:1")
	cfg.RateRPS = 0.001
	cfg.RateBurst = 2
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), upstream.New(cfg.Upstream), cfg)

	tok, err := auth.IssueAccessToken("u-rl", "u-rl@example.com", domain.RoleUser, "t1", cfg.Auth.JWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	get := func(ip string, hdr map[string]string) int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = ip + ":5555"
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("one token across addresses", func(t *testing.T) {
		bearer := map[string]string{"Authorization": "Bearer " + tok}
		var got []int
		for _, ip := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
			got = append(got, get(ip, bearer))
		}
		if got[0] != http.StatusOK || got[1] != http.StatusOK || got[2] != http.StatusTooManyRequests {
			t.Fatalf("statuses = %v; want [200 200 429]", got)
		}
	})

	t.Run("invented user ids share the address bucket", func(t *testing.T) {
		var limited int
		for i := 0; i < 5; i++ {
			if get("203.0.113.50", identity("t1", fmt.Sprintf("spoof-%d", i))) == http.StatusTooManyRequests {
				limited++
			}
		}
		if limited != 3 {
			t.Fatalf("limited = %d; want 3", limited)
		}
	})
}
