// Package handlers exposes the gateway's REST endpoints.
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results and errors into HTTP responses. Every
// dependency is an interface so tests can substitute fakes.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-gateway/internal/domain"
	"github.com/tbourn/go-chat-gateway/internal/http/middleware"
	"github.com/tbourn/go-chat-gateway/internal/relay"
	"github.com/tbourn/go-chat-gateway/internal/services"
	"github.com/tbourn/go-chat-gateway/internal/upstream"
)

//
// Service contracts (context-aware)
//

// SessionService manages the local session store.
type SessionService interface {
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.ChatSession, int64, error)
	ListAll(ctx context.Context, userID string) ([]domain.ChatSession, error)
	// Stats returns the count and newest updated_at, used for ETags.
	Stats(ctx context.Context, userID string) (int64, *time.Time, error)
	Latest(ctx context.Context, userID string) (*domain.ChatSession, error)
	New(ctx context.Context, tenantID, userID, idemKey string) (*domain.ChatSession, bool, error)
	Insert(ctx context.Context, tenantID, userID, conversationID, title string) (*domain.ChatSession, error)
	InsertBatch(ctx context.Context, tenantID, userID string, items []services.SessionSeed) (int64, error)
	Rename(ctx context.Context, tenantID, conversationID, title string) error
	SetPinned(ctx context.Context, tenantID, conversationID string, pinned bool) error
	Delete(ctx context.Context, tenantID, userID, conversationID string) error
	DeleteMany(ctx context.Context, userID string, conversationIDs []string) (int64, error)
}

// Relayer streams one chat completion to the client.
type Relayer interface {
	Send(ctx context.Context, req relay.Request, sink relay.Sink) (relay.Result, error)
}

// FileGateway covers the AI service calls that are forwarded as-is.
type FileGateway interface {
	UploadFile(ctx context.Context, user, filename, contentType string, r io.Reader) (*upstream.UploadedFile, error)
	DeleteFile(ctx context.Context, id, user string) error
	StopTask(ctx context.Context, taskID, user string) (json.RawMessage, error)
}

// ConversationService reads conversation history from the AI service.
type ConversationService interface {
	List(ctx context.Context, userID, lastID string, limit int) (*upstream.Page, error)
	GenerateName(ctx context.Context, userID, conversationID string) (string, error)
	Messages(ctx context.Context, userID, conversationID, firstID string, limit int) (*upstream.Page, error)
	Init(ctx context.Context, userID string) (*services.InitResult, error)
}

// FeedbackService forwards message ratings.
type FeedbackService interface {
	// Leave submits a feedback value (-1 or 1) for messageID by userID.
	Leave(ctx context.Context, userID, messageID string, value int) error
}

// AuthService signs users in.
type AuthService interface {
	SignIn(ctx context.Context, email, password, tenantCode string) (*services.SignInResult, error)
}

// AdminService provisions tenants and users.
type AdminService interface {
	CreateTenant(ctx context.Context, in services.CreateTenantInput) (*domain.Tenant, *domain.User, error)
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
	ListAllUsers(ctx context.Context) ([]domain.User, error)
	ListTenantUsers(ctx context.Context, actor services.Actor, tenantID string) ([]domain.User, error)
	CreateUser(ctx context.Context, actor services.Actor, tenantID string, in services.CreateUserInput) (*domain.User, error)
}

//
// Handler wiring
//

// Deps are the services Handlers depend on.
type Deps struct {
	Sessions      SessionService
	Relay         Relayer
	Files         FileGateway
	Conversations ConversationService
	Feedback      FeedbackService
	Auth          AuthService
	Admin         AdminService
	// MaxUploadBytes caps a multipart chat or upload body. <= 0 means 50 MiB.
	MaxUploadBytes int64
}

// Handlers groups all HTTP endpoints.
type Handlers struct {
	sessions  SessionService
	relay     Relayer
	files     FileGateway
	convs     ConversationService
	fbSvc     FeedbackService
	authSvc   AuthService
	adminSvc  AdminService
	maxUpload int64
}

// New constructs and returns a Handlers instance bound to the given services.
func New(d Deps) *Handlers {
	max := d.MaxUploadBytes
	if max <= 0 {
		max = 50 << 20
	}
	return &Handlers{
		sessions:  d.Sessions,
		relay:     d.Relay,
		files:     d.Files,
		convs:     d.Conversations,
		fbSvc:     d.Feedback,
		authSvc:   d.Auth,
		adminSvc:  d.Admin,
		maxUpload: max,
	}
}

// tenantID and userID read the identity accepted by the gate middleware.
func tenantID(c *gin.Context) string { return middleware.TenantIDFrom(c) }

func userID(c *gin.Context) string { return middleware.UserIDFrom(c) }

// actor describes the authenticated caller for administrative services.
func actor(c *gin.Context) (services.Actor, bool) {
	cl, ok := middleware.ClaimsFrom(c)
	if !ok {
		return services.Actor{}, false
	}
	return services.Actor{UserID: cl.UserID, Role: cl.Role, TenantID: cl.TenantID}, true
}
