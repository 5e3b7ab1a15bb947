package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-gateway/internal/auth"
	"github.com/tbourn/go-chat-gateway/internal/domain"
	"github.com/tbourn/go-chat-gateway/internal/http/middleware"
	"github.com/tbourn/go-chat-gateway/internal/relay"
	"github.com/tbourn/go-chat-gateway/internal/services"
	"github.com/tbourn/go-chat-gateway/internal/upstream"
)

const testSecret = "handler-test-secret"

//
// Fakes
//

type fakeSessions struct {
	items    []domain.ChatSession
	total    int64
	count    int64
	maxTS    *time.Time
	statsErr error
	latest   *domain.ChatSession
	replayed bool
	batchN   int64
	deleted  int64
	err      error

	gotTenant, gotUser, gotKey string
	gotConv, gotTitle          string
	gotPage, gotSize           int
	gotPinned                  *bool
	gotSeeds                   []services.SessionSeed
	gotIDs                     []string
}

func (f *fakeSessions) ListPage(_ context.Context, userID string, page, pageSize int) ([]domain.ChatSession, int64, error) {
	f.gotUser, f.gotPage, f.gotSize = userID, page, pageSize
	return f.items, f.total, f.err
}

func (f *fakeSessions) ListAll(_ context.Context, userID string) ([]domain.ChatSession, error) {
	f.gotUser = userID
	return f.items, f.err
}

func (f *fakeSessions) Stats(context.Context, string) (int64, *time.Time, error) {
	return f.count, f.maxTS, f.statsErr
}

func (f *fakeSessions) Latest(_ context.Context, userID string) (*domain.ChatSession, error) {
	f.gotUser = userID
	return f.latest, f.err
}

func (f *fakeSessions) New(_ context.Context, tenantID, userID, idemKey string) (*domain.ChatSession, bool, error) {
	f.gotTenant, f.gotUser, f.gotKey = tenantID, userID, idemKey
	if f.err != nil {
		return nil, false, f.err
	}
	return &domain.ChatSession{ID: "s1", TenantID: tenantID, UserID: userID, ExternalID: "conv-new", Title: domain.DefaultSessionTitle}, f.replayed, nil
}

func (f *fakeSessions) Insert(_ context.Context, tenantID, userID, conversationID, title string) (*domain.ChatSession, error) {
	f.gotTenant, f.gotUser, f.gotConv, f.gotTitle = tenantID, userID, conversationID, title
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ChatSession{ID: "s2", TenantID: tenantID, UserID: userID, ExternalID: conversationID, Title: title}, nil
}

func (f *fakeSessions) InsertBatch(_ context.Context, tenantID, userID string, items []services.SessionSeed) (int64, error) {
	f.gotTenant, f.gotUser, f.gotSeeds = tenantID, userID, items
	return f.batchN, f.err
}

func (f *fakeSessions) Rename(_ context.Context, tenantID, conversationID, title string) error {
	f.gotTenant, f.gotConv, f.gotTitle = tenantID, conversationID, title
	return f.err
}

func (f *fakeSessions) SetPinned(_ context.Context, tenantID, conversationID string, pinned bool) error {
	f.gotTenant, f.gotConv, f.gotPinned = tenantID, conversationID, &pinned
	return f.err
}

func (f *fakeSessions) Delete(_ context.Context, tenantID, userID, conversationID string) error {
	f.gotTenant, f.gotUser, f.gotConv = tenantID, userID, conversationID
	return f.err
}

func (f *fakeSessions) DeleteMany(_ context.Context, userID string, ids []string) (int64, error) {
	f.gotUser, f.gotIDs = userID, ids
	return f.deleted, f.err
}

// fakeRelay writes frames through the sink unless err is set, in which case
// it fails before the stream starts.
type fakeRelay struct {
	frames []string
	err    error
	got    relay.Request
	calls  int
}

func (f *fakeRelay) Send(_ context.Context, req relay.Request, sink relay.Sink) (relay.Result, error) {
	f.calls++
	f.got = req
	if f.err != nil {
		return relay.Result{}, f.err
	}
	sink.Start(http.StatusOK, "text/event-stream; charset=utf-8")
	for _, fr := range f.frames {
		_, _ = sink.Write([]byte(fr))
		sink.Flush()
	}
	return relay.Result{Completed: true, Outcome: "completed"}, nil
}

type uploadCall struct {
	user, name, contentType string
	body                    []byte
}

type fakeFiles struct {
	uploads   []uploadCall
	uploadErr error
	raw       []byte
	stopRaw   json.RawMessage
	stopErr   error
	gotTask   string
	gotUser   string
	deletedID string
	deleteErr error
}

func (f *fakeFiles) UploadFile(_ context.Context, user, filename, contentType string, r io.Reader) (*upstream.UploadedFile, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, uploadCall{user: user, name: filename, contentType: contentType, body: b})
	id := "file-" + filename
	return &upstream.UploadedFile{
		ID:         id,
		Name:       filename,
		MimeType:   contentType,
		Size:       int64(len(b)),
		PreviewURL: "https://ai.example/files/" + id + "/file-preview",
		Raw:        f.raw,
	}, nil
}

func (f *fakeFiles) DeleteFile(_ context.Context, id, user string) error {
	f.deletedID, f.gotUser = id, user
	return f.deleteErr
}

func (f *fakeFiles) StopTask(_ context.Context, taskID, user string) (json.RawMessage, error) {
	f.gotTask, f.gotUser = taskID, user
	return f.stopRaw, f.stopErr
}

type fakeConversations struct {
	page    *upstream.Page
	init    *services.InitResult
	name    string
	err     error
	gotUser string
	gotID   string
	gotCur  string
	gotLim  int
}

func (f *fakeConversations) List(_ context.Context, userID, lastID string, limit int) (*upstream.Page, error) {
	f.gotUser, f.gotCur, f.gotLim = userID, lastID, limit
	return f.page, f.err
}

func (f *fakeConversations) GenerateName(_ context.Context, userID, conversationID string) (string, error) {
	f.gotUser, f.gotID = userID, conversationID
	return f.name, f.err
}

func (f *fakeConversations) Init(_ context.Context, userID string) (*services.InitResult, error) {
	f.gotUser = userID
	return f.init, f.err
}

func (f *fakeConversations) Messages(_ context.Context, userID, conversationID, firstID string, limit int) (*upstream.Page, error) {
	f.gotUser, f.gotID, f.gotCur, f.gotLim = userID, conversationID, firstID, limit
	if conversationID == "" {
		return nil, services.ErrMissingConversation
	}
	return f.page, f.err
}

type fakeFeedback struct {
	err       error
	gotUser   string
	gotMsg    string
	gotValue  int
	callCount int
}

func (f *fakeFeedback) Leave(_ context.Context, userID, messageID string, value int) error {
	f.callCount++
	f.gotUser, f.gotMsg, f.gotValue = userID, messageID, value
	return f.err
}

type fakeAuth struct {
	res *services.SignInResult
	err error

	gotEmail, gotPassword, gotCode string
}

func (f *fakeAuth) SignIn(_ context.Context, email, password, tenantCode string) (*services.SignInResult, error) {
	f.gotEmail, f.gotPassword, f.gotCode = email, password, tenantCode
	return f.res, f.err
}

type fakeAdmin struct {
	tenants []domain.Tenant
	users   []domain.User
	err     error

	gotActor    services.Actor
	gotTenantID string
	gotTenantIn services.CreateTenantInput
	gotUserIn   services.CreateUserInput
}

func (f *fakeAdmin) CreateTenant(_ context.Context, in services.CreateTenantInput) (*domain.Tenant, *domain.User, error) {
	f.gotTenantIn = in
	if f.err != nil {
		return nil, nil, f.err
	}
	t := &domain.Tenant{ID: "t-new", Name: in.Name, Code: in.Code, CountryCode: "JP"}
	u := &domain.User{ID: "u-admin", Email: in.AdminEmail, Role: domain.RoleAdmin, TenantID: &t.ID}
	return t, u, nil
}

func (f *fakeAdmin) ListTenants(context.Context) ([]domain.Tenant, error) {
	return f.tenants, f.err
}

func (f *fakeAdmin) ListAllUsers(context.Context) ([]domain.User, error) {
	return f.users, f.err
}

func (f *fakeAdmin) ListTenantUsers(_ context.Context, a services.Actor, tenantID string) ([]domain.User, error) {
	f.gotActor, f.gotTenantID = a, tenantID
	return f.users, f.err
}

func (f *fakeAdmin) CreateUser(_ context.Context, a services.Actor, tenantID string, in services.CreateUserInput) (*domain.User, error) {
	f.gotActor, f.gotTenantID, f.gotUserIn = a, tenantID, in
	if f.err != nil {
		return nil, f.err
	}
	return &domain.User{ID: "u-new", Email: in.Email, Role: in.Role, TenantID: &tenantID}, nil
}

//
// Router and request helpers
//

// newTestRouter mounts every handler behind the same gate middleware the
// production router uses, without a base path.
func newTestRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(d)

	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil),
		middleware.Authenticate(testSecret),
		middleware.TenantGate(middleware.GateOptions{Exempt: []string{"/auth", "/super-admin"}}),
	)

	r.POST("/auth/signin", h.SignIn)

	sa := r.Group("/super-admin", middleware.RequireRole(domain.RoleSuperAdmin))
	sa.GET("/tenants", h.ListTenants)
	sa.POST("/tenants", h.CreateTenant)
	sa.GET("/users", h.ListAllUsers)

	adm := r.Group("/users", middleware.RequireRole(domain.RoleAdmin, domain.RoleSuperAdmin))
	adm.GET("", h.ListUsers)
	adm.POST("", h.CreateUser)

	r.POST("/chat-sessions/:id/rename", h.RenameSession)
	r.POST("/chat-sessions/:id/pin", h.PinSession)
	r.PATCH("/chat-sessions/update-title", h.UpdateSessionTitle)

	u := r.Group("", middleware.RequireUser())
	u.GET("/chat-sessions/list", h.ListSessions)
	u.GET("/chat-sessions/latest", h.LatestSession)
	u.POST("/chat-sessions/new", h.NewSession)
	u.POST("/chat-sessions/insert", h.InsertSession)
	u.POST("/db/chat-sessions", h.InsertSessionsBatch)
	u.GET("/db/conversations", h.ListStoredSessions)
	u.DELETE("/db/conversations", h.DeleteSessionsBatch)
	u.POST("/chat-messages", h.SendChat)
	u.POST("/chat", h.LegacyChat)
	u.POST("/chat-messages/:task_id/stop", h.StopChat)
	u.POST("/files/upload", h.UploadFile)
	u.DELETE("/files/:id", h.DeleteFile)
	u.GET("/conversations", h.ListConversations)
	u.POST("/conversations/:id/name", h.GenerateConversationName)
	u.DELETE("/conversations/:id", h.DeleteConversation)
	u.GET("/init", h.InitConversation)
	u.GET("/messages", h.ListMessages)
	u.POST("/messages/:id/feedback", h.LeaveFeedback)
	return r
}

type reqOpt func(*http.Request)

func withIdentity(tenant, user string) reqOpt {
	return func(r *http.Request) {
		if tenant != "" {
			r.Header.Set(middleware.HeaderTenantID, tenant)
		}
		if user != "" {
			r.Header.Set(middleware.HeaderUserID, user)
		}
	}
}

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func withToken(t *testing.T, userID, role, tenantID string) reqOpt {
	t.Helper()
	tok, err := auth.IssueAccessToken(userID, userID+"@example.com", role, tenantID, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return withHeader("Authorization", "Bearer "+tok)
}

func doJSON(r http.Handler, method, path string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		raw, _ := json.Marshal(b)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v; body=%s", v, err, w.Body.String())
	}
	return v
}

func wantError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) ErrorResponse {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d; want %d; body=%s", w.Code, status, w.Body.String())
	}
	e := decode[ErrorResponse](t, w)
	if e.Code != code {
		t.Fatalf("code = %q; want %q", e.Code, code)
	}
	return e
}
