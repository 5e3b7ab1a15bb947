// Package httpapi wires the HTTP transport (Gin) to the gateway services,
// middleware and route handlers.
//
// Everything under the API base path is tenant-gated except the sign-in
// and super-admin groups. Health, readiness, metrics and Swagger live
// outside the base path.
package httpapi

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/go-chat-gateway/docs"
	"github.com/tbourn/go-chat-gateway/internal/config"
	"github.com/tbourn/go-chat-gateway/internal/domain"
	"github.com/tbourn/go-chat-gateway/internal/http/handlers"
	"github.com/tbourn/go-chat-gateway/internal/http/middleware"
	"github.com/tbourn/go-chat-gateway/internal/relay"
	"github.com/tbourn/go-chat-gateway/internal/repo"
	"github.com/tbourn/go-chat-gateway/internal/services"
	"github.com/tbourn/go-chat-gateway/internal/upstream"
)

// sessionRepoShim adapts the repository free functions to the
// services.SessionRepo interface.
type sessionRepoShim struct{}

func (sessionRepoShim) UpsertSession(ctx context.Context, db *gorm.DB, s *domain.ChatSession) (*domain.ChatSession, error) {
	return repo.UpsertSession(ctx, db, s)
}

func (sessionRepoShim) CreateSession(ctx context.Context, db *gorm.DB, s *domain.ChatSession) error {
	return repo.CreateSession(ctx, db, s)
}

func (sessionRepoShim) InsertSessionsIfAbsent(ctx context.Context, db *gorm.DB, sessions []domain.ChatSession) (int64, error) {
	return repo.InsertSessionsIfAbsent(ctx, db, sessions)
}

func (sessionRepoShim) GetSession(ctx context.Context, db *gorm.DB, userID, externalID string) (*domain.ChatSession, error) {
	return repo.GetSession(ctx, db, userID, externalID)
}

func (sessionRepoShim) TouchSession(ctx context.Context, db *gorm.DB, userID, externalID string, at time.Time) error {
	return repo.TouchSession(ctx, db, userID, externalID, at)
}

func (sessionRepoShim) UpdateSessionTitle(ctx context.Context, db *gorm.DB, tenantID, externalID, title string) error {
	return repo.UpdateSessionTitle(ctx, db, tenantID, externalID, title)
}

func (sessionRepoShim) SetSessionPinned(ctx context.Context, db *gorm.DB, tenantID, externalID string, pinned bool) error {
	return repo.SetSessionPinned(ctx, db, tenantID, externalID, pinned)
}

func (sessionRepoShim) DeleteSession(ctx context.Context, db *gorm.DB, tenantID, userID, externalID string) (int64, error) {
	return repo.DeleteSession(ctx, db, tenantID, userID, externalID)
}

func (sessionRepoShim) DeleteSessions(ctx context.Context, db *gorm.DB, userID string, externalIDs []string) (int64, error) {
	return repo.DeleteSessions(ctx, db, userID, externalIDs)
}

func (sessionRepoShim) CountSessions(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountSessions(ctx, db, userID)
}

func (sessionRepoShim) ListSessionsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.ChatSession, error) {
	return repo.ListSessionsPage(ctx, db, userID, offset, limit)
}

func (sessionRepoShim) ListSessions(ctx context.Context, db *gorm.DB, userID string) ([]domain.ChatSession, error) {
	return repo.ListSessions(ctx, db, userID)
}

func (sessionRepoShim) LatestSession(ctx context.Context, db *gorm.DB, userID string) (*domain.ChatSession, error) {
	return repo.LatestSession(ctx, db, userID)
}

func (sessionRepoShim) SessionListStamp(ctx context.Context, db *gorm.DB, userID string) (int64, *time.Time, error) {
	return repo.SessionListStamp(ctx, db, userID)
}

func (sessionRepoShim) AttachFiles(ctx context.Context, db *gorm.DB, sessionID string, files []domain.SessionFile) error {
	return repo.AttachFiles(ctx, db, sessionID, files)
}

var corsHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization",
	middleware.HeaderTenantID, middleware.HeaderUserID, middleware.HeaderIdempotencyKey,
}

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. RequestID, so every later log line and error carries it
//  2. OpenTelemetry
//  3. RedactingLogger (request-scoped zerolog logger)
//  4. Recovery
//  5. Metrics
//  6. gzip, skipping the streaming chat routes
//  7. Idempotency validator (before the rate limiter so replays bypass it)
//  8. CORS and security headers
//  9. Authenticate (optional bearer token)
//  10. Rate limiter per token subject, else client IP; streams cost more
//  11. Tenant gate
func RegisterRoutes(r *gin.Engine, db *gorm.DB, up *upstream.Client, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	base := groupPath(cfg.APIBasePath)

	r.Use(middleware.RequestID())
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
		SkipPaths:   []string{"/health", "/ready", "/metrics"},
	}))
	r.Use(middleware.Recovery())
	r.Use(middleware.Metrics())

	// Streams must reach the client unbuffered.
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPathsRegexs([]string{
			"^" + regexp.QuoteMeta(base) + "/chat(-messages)?$",
			"^/metrics$",
		}),
	))

	sessions := services.NewSessionService(db, sessionRepoShim{}, up)
	if cfg.TitleMaxRunes > 0 {
		sessions.TitleMaxRunes = cfg.TitleMaxRunes
	}
	if cfg.IdempotencyTTL > 0 {
		sessions.IdempotencyTTL = cfg.IdempotencyTTL
	}

	newSessionPath := base + "/chat-sessions/new"
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
			Scope: func(c *gin.Context) string {
				if c.Request.Method == http.MethodPost && c.Request.URL.Path == newSessionPath {
					return services.ScopeNewSession
				}
				return ""
			},
		},
		sessions.HasReplay,
	))

	useCORS(r, cfg.CORS.AllowedOrigins)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStorePaths: []string{base + "/auth", base + "/super-admin", base + "/users"},
		HTMLPaths:    []string{"/swagger"},
		EnablePolicy: true,
	}))

	r.Use(middleware.Authenticate(cfg.Auth.JWTSecret))
	rl := middleware.NewRateLimiter(middleware.RateLimitOptions{
		RPS:   cfg.RateRPS,
		Burst: cfg.RateBurst,
		Key:   middleware.KeyBySubjectOrIP(),
		Cost: middleware.CostByPath(map[string]int{
			base + "/chat-messages": cfg.RateStreamCost,
			base + "/chat":          cfg.RateStreamCost,
		}),
	})
	r.Use(rl.Handler())
	r.Use(middleware.TenantGate(middleware.GateOptions{
		BasePath: base,
		Exempt:   []string{"/auth", "/super-admin"},
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	pinger := repo.NewPinger(db)
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("readiness: database unreachable")
			handlers.Fail(c, http.StatusServiceUnavailable, handlers.ErrCodeNotReady, "database unreachable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(handlers.Deps{
		Sessions: sessions,
		Relay: &relay.Relay{
			Upstream:    up,
			Sessions:    sessions,
			StopTimeout: cfg.Upstream.StopTimeout,
		},
		Files:          up,
		Conversations:  &services.ConversationService{Upstream: up},
		Feedback:       &services.FeedbackService{Upstream: up},
		Auth:           &services.AuthService{DB: db, Secret: cfg.Auth.JWTSecret, TokenTTL: cfg.Auth.TokenTTL},
		Admin:          &services.AdminService{DB: db},
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	api := r.Group(base)

	api.POST("/auth/signin", h.SignIn)

	super := api.Group("/super-admin", middleware.RequireRole(domain.RoleSuperAdmin))
	{
		super.GET("/tenants", h.ListTenants)
		super.POST("/tenants", h.CreateTenant)
		super.GET("/users", h.ListAllUsers)
	}

	admin := api.Group("/users", middleware.RequireRole(domain.RoleAdmin, domain.RoleSuperAdmin))
	{
		admin.GET("", h.ListUsers)
		admin.POST("", h.CreateUser)
	}

	// Tenant-scoped session edits: the conversation id alone identifies the row.
	api.POST("/chat-sessions/:id/rename", h.RenameSession)
	api.POST("/chat-sessions/:id/pin", h.PinSession)
	api.PATCH("/chat-sessions/update-title", h.UpdateSessionTitle)

	user := api.Group("", middleware.RequireUser())
	{
		user.GET("/chat-sessions/list", h.ListSessions)
		user.GET("/chat-sessions/latest", h.LatestSession)
		user.POST("/chat-sessions/new", h.NewSession)
		user.POST("/chat-sessions/insert", h.InsertSession)

		user.POST("/db/chat-sessions", h.InsertSessionsBatch)
		user.GET("/db/conversations", h.ListStoredSessions)
		user.DELETE("/db/conversations", h.DeleteSessionsBatch)

		user.POST("/chat-messages", h.SendChat)
		user.POST("/chat", h.LegacyChat)
		user.POST("/chat-messages/:task_id/stop", h.StopChat)
		user.POST("/files/upload", h.UploadFile)
		user.DELETE("/files/:id", h.DeleteFile)

		user.GET("/conversations", h.ListConversations)
		user.POST("/conversations/:id/name", h.GenerateConversationName)
		user.DELETE("/conversations/:id", h.DeleteConversation)

		user.GET("/init", h.InitConversation)
		user.GET("/messages", h.ListMessages)
		user.POST("/messages/:id/feedback", h.LeaveFeedback)
	}
}

// useCORS installs gin-contrib/cors. With no allowlist every origin is
// accepted without credentials.
func useCORS(r *gin.Engine, origins []string) {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     corsHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotent-Replay"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		// ACAO: * even without an Origin header, for health checks and curl.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	r.Use(cors.New(c))
}

// groupPath treats "/" and "" as the root group.
func groupPath(prefix string) string {
	if prefix == "" || prefix == "/" {
		return ""
	}
	return prefix
}
