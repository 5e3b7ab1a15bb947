// Package services – SessionService
//
// This file implements SessionService, which owns the local record of
// upstream conversations. It reconciles sessions when a relayed stream
// completes (deriving the title from the first exchange), and serves the
// session list, rename, pin, insert and delete operations.
//
// Sessions are keyed by (conversation id, user id). Reads are user-scoped;
// rename and pin are tenant-scoped; deletes are scoped to tenant and user.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-gateway/internal/domain"
	"github.com/tbourn/go-chat-gateway/internal/relay"
	"github.com/tbourn/go-chat-gateway/internal/repo"
	"github.com/tbourn/go-chat-gateway/internal/upstream"
	"github.com/tbourn/go-chat-gateway/internal/utils"
)

// ScopeNewSession is the idempotency scope used by New.
const ScopeNewSession = "sessions.new"

// maxStoredTitle mirrors the width of chat_sessions.title.
const maxStoredTitle = 255

// SessionRepo defines the repository contract required by SessionService.
type SessionRepo interface {
	UpsertSession(ctx context.Context, db *gorm.DB, s *domain.ChatSession) (*domain.ChatSession, error)
	CreateSession(ctx context.Context, db *gorm.DB, s *domain.ChatSession) error
	InsertSessionsIfAbsent(ctx context.Context, db *gorm.DB, sessions []domain.ChatSession) (int64, error)
	GetSession(ctx context.Context, db *gorm.DB, userID, externalID string) (*domain.ChatSession, error)
	TouchSession(ctx context.Context, db *gorm.DB, userID, externalID string, at time.Time) error
	UpdateSessionTitle(ctx context.Context, db *gorm.DB, tenantID, externalID, title string) error
	SetSessionPinned(ctx context.Context, db *gorm.DB, tenantID, externalID string, pinned bool) error
	DeleteSession(ctx context.Context, db *gorm.DB, tenantID, userID, externalID string) (int64, error)
	DeleteSessions(ctx context.Context, db *gorm.DB, userID string, externalIDs []string) (int64, error)
	CountSessions(ctx context.Context, db *gorm.DB, userID string) (int64, error)
	ListSessionsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.ChatSession, error)
	ListSessions(ctx context.Context, db *gorm.DB, userID string) ([]domain.ChatSession, error)
	LatestSession(ctx context.Context, db *gorm.DB, userID string) (*domain.ChatSession, error)
	SessionListStamp(ctx context.Context, db *gorm.DB, userID string) (int64, *time.Time, error)
	AttachFiles(ctx context.Context, db *gorm.DB, sessionID string, files []domain.SessionFile) error
}

// ConversationDeleter removes a conversation upstream.
type ConversationDeleter interface {
	DeleteConversation(ctx context.Context, id, user string) error
}

// SessionSeed is one entry of a batch insert.
type SessionSeed struct {
	ConversationID string
	Title          string
}

// SessionService coordinates session persistence.
type SessionService struct {
	DB   *gorm.DB
	Repo SessionRepo
	// Upstream, when set, receives conversation deletions after the local
	// row is removed.
	Upstream ConversationDeleter

	// TitleMaxRunes caps derived titles. Zero means 24.
	TitleMaxRunes int
	// IdempotencyTTL bounds how long a New replay is honoured.
	IdempotencyTTL time.Duration
}

// NewSessionService constructs a SessionService with default title and
// idempotency settings.
func NewSessionService(db *gorm.DB, r SessionRepo, up ConversationDeleter) *SessionService {
	return &SessionService{
		DB:             db,
		Repo:           r,
		Upstream:       up,
		TitleMaxRunes:  24,
		IdempotencyTTL: 24 * time.Hour,
	}
}

var _ relay.Reconciler = (*SessionService)(nil)

// Reconcile records the outcome of a completed stream. A new conversation is
// upserted with a title derived from the exchange; an existing one only has
// its updated_at bumped. Files sent with the message are attached.
func (s *SessionService) Reconcile(ctx context.Context, c relay.Completion) error {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Reconcile",
		trace.WithAttributes(
			attribute.String("conversation.id", c.ConversationID),
			attribute.String("user.id", c.UserID),
			attribute.Bool("conversation.new", c.New),
		),
	)
	defer span.End()

	if strings.TrimSpace(c.ConversationID) == "" {
		return ErrMissingConversation
	}

	var sess *domain.ChatSession
	if c.New {
		title := DeriveTitle(c.Query, c.Answer, s.titleMax())
		saved, err := s.Repo.UpsertSession(ctx, s.DB, &domain.ChatSession{
			TenantID:   c.TenantID,
			UserID:     c.UserID,
			ExternalID: c.ConversationID,
			Title:      title,
		})
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		sess = saved
	} else {
		err := s.Repo.TouchSession(ctx, s.DB, c.UserID, c.ConversationID, time.Now().UTC())
		if errors.Is(err, repo.ErrNotFound) {
			// conversation was never recorded locally
			return nil
		}
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		if len(c.Files) == 0 {
			return nil
		}
		if sess, err = s.Repo.GetSession(ctx, s.DB, c.UserID, c.ConversationID); err != nil {
			return fmt.Errorf("load session: %w", err)
		}
	}

	files := sessionFiles(c.Files)
	if len(files) == 0 {
		return nil
	}
	if err := s.Repo.AttachFiles(ctx, s.DB, sess.ID, files); err != nil {
		return fmt.Errorf("attach files: %w", err)
	}
	return nil
}

// Rename sets the title of the conversation within tenantID.
func (s *SessionService) Rename(ctx context.Context, tenantID, conversationID, title string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrMissingConversation
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	err := s.Repo.UpdateSessionTitle(ctx, s.DB, tenantID, conversationID, clip(title, maxStoredTitle))
	if errors.Is(err, repo.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// SetPinned pins or unpins the conversation within tenantID.
func (s *SessionService) SetPinned(ctx context.Context, tenantID, conversationID string, pinned bool) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrMissingConversation
	}
	err := s.Repo.SetSessionPinned(ctx, s.DB, tenantID, conversationID, pinned)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// Delete removes the caller's session locally and then deletes the
// conversation upstream. A missing local row is not an error. When the
// upstream call fails the local row stays deleted and the upstream error is
// returned.
func (s *SessionService) Delete(ctx context.Context, tenantID, userID, conversationID string) error {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrMissingConversation
	}
	removed, err := s.Repo.DeleteSession(ctx, s.DB, tenantID, userID, conversationID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	span.SetAttributes(attribute.Int64("sessions.removed", removed))

	if s.Upstream == nil {
		return nil
	}
	if err := s.Upstream.DeleteConversation(ctx, conversationID, userID); err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("conversation_id", conversationID).
			Str("user_id", userID).
			Int64("local_removed", removed).
			Msg("upstream delete failed after local delete")
		span.RecordError(err)
		return err
	}
	return nil
}

// ListPage returns a page of the user's sessions (most recent first) and the
// total count.
func (s *SessionService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.ChatSession, int64, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	page, pageSize = utils.NormalizePage(page, pageSize)
	total, err := s.Repo.CountSessions(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.ChatSession{}, 0, nil
	}
	items, err := s.Repo.ListSessionsPage(ctx, s.DB, userID, utils.Offset(page, pageSize), pageSize)
	return items, total, err
}

// ListAll returns every session of the user.
func (s *SessionService) ListAll(ctx context.Context, userID string) ([]domain.ChatSession, error) {
	return s.Repo.ListSessions(ctx, s.DB, userID)
}

// Stats returns the count and newest updated_at of the user's sessions, for
// ETag computation.
func (s *SessionService) Stats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return s.Repo.SessionListStamp(ctx, s.DB, userID)
}

// Latest returns the user's most recently updated session, or nil.
func (s *SessionService) Latest(ctx context.Context, userID string) (*domain.ChatSession, error) {
	sess, err := s.Repo.LatestSession(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

// New creates an empty session with a fresh conversation id. With a
// non-empty idemKey a repeated call returns the first session and
// replayed=true.
func (s *SessionService) New(ctx context.Context, tenantID, userID, idemKey string) (sess *domain.ChatSession, replayed bool, err error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "New",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Bool("idempotent", idemKey != ""),
		),
	)
	defer span.End()

	if idemKey != "" {
		if prev, ok := s.replay(ctx, userID, idemKey); ok {
			span.SetAttributes(attribute.Bool("replayed", true))
			return prev, true, nil
		}
	}

	created := &domain.ChatSession{
		TenantID:   tenantID,
		UserID:     userID,
		ExternalID: uuid.NewString(),
		Title:      domain.DefaultSessionTitle,
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.Repo.CreateSession(ctx, tx, created); err != nil {
			return err
		}
		if idemKey == "" {
			return nil
		}
		_, err := repo.CreateIdempotency(ctx, tx, userID, ScopeNewSession, idemKey, created.ExternalID, 201, s.IdempotencyTTL)
		return err
	})
	if errors.Is(err, repo.ErrDuplicate) && idemKey != "" {
		// a concurrent request with the same key won
		if prev, ok := s.replay(ctx, userID, idemKey); ok {
			return prev, true, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return created, false, nil
}

func (s *SessionService) replay(ctx context.Context, userID, key string) (*domain.ChatSession, bool) {
	rec, err := repo.GetIdempotency(ctx, s.DB, userID, ScopeNewSession, key, time.Now().UTC())
	if err != nil {
		return nil, false
	}
	sess, err := s.Repo.GetSession(ctx, s.DB, userID, rec.ResourceID)
	if err != nil {
		return nil, false
	}
	return sess, true
}

// HasReplay reports whether New would replay for (userID, key). It backs
// the idempotency middleware lookup.
func (s *SessionService) HasReplay(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
	_, err := repo.GetIdempotency(ctx, s.DB, userID, scope, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Insert records an existing upstream conversation for the user. It fails
// with ErrSessionExists when already recorded.
func (s *SessionService) Insert(ctx context.Context, tenantID, userID, conversationID, title string) (*domain.ChatSession, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, ErrMissingConversation
	}
	sess := &domain.ChatSession{
		TenantID:   tenantID,
		UserID:     userID,
		ExternalID: conversationID,
		Title:      storedTitle(title),
	}
	if err := s.Repo.CreateSession(ctx, s.DB, sess); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrSessionExists
		}
		return nil, err
	}
	return sess, nil
}

// InsertBatch records many conversations for a known user, skipping those
// already present. The user must exist and belong to tenantID.
func (s *SessionService) InsertBatch(ctx context.Context, tenantID, userID string, items []SessionSeed) (int64, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "InsertBatch",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("items", len(items)),
		),
	)
	defer span.End()

	u, err := repo.GetUser(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	if u.Role != domain.RoleSuperAdmin && (u.TenantID == nil || *u.TenantID != tenantID) {
		return 0, ErrTenantMismatch
	}

	rows := make([]domain.ChatSession, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		id := strings.TrimSpace(it.ConversationID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rows = append(rows, domain.ChatSession{
			TenantID:   tenantID,
			UserID:     userID,
			ExternalID: id,
			Title:      storedTitle(it.Title),
		})
	}
	n, err := s.Repo.InsertSessionsIfAbsent(ctx, s.DB, rows)
	span.SetAttributes(attribute.Int64("inserted", n))
	return n, err
}

// DeleteMany removes the user's local sessions for the given conversation
// ids. Upstream is not contacted.
func (s *SessionService) DeleteMany(ctx context.Context, userID string, conversationIDs []string) (int64, error) {
	ids := make([]string, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return s.Repo.DeleteSessions(ctx, s.DB, userID, ids)
}

func (s *SessionService) titleMax() int {
	if s.TitleMaxRunes > 0 {
		return s.TitleMaxRunes
	}
	return 24
}

// DeriveTitle builds a session title from the first exchange: query and
// answer joined, whitespace collapsed, NFC-normalized and cut to maxRunes.
func DeriveTitle(query, answer string, maxRunes int) string {
	t := normalizeTitle(norm.NFC.String(query + " " + answer))
	if t == "" {
		return domain.DefaultSessionTitle
	}
	return clip(t, maxRunes)
}

func storedTitle(title string) string {
	title = normalizeTitle(title)
	if title == "" {
		return domain.DefaultSessionTitle
	}
	return clip(title, maxStoredTitle)
}

func sessionFiles(in []upstream.File) []domain.SessionFile {
	out := make([]domain.SessionFile, 0, len(in))
	for _, f := range in {
		if f.UploadFileID == "" {
			continue
		}
		sf := domain.SessionFile{
			UpstreamFileID: f.UploadFileID,
			Type:           f.Type,
			Name:           clip(f.Name, maxStoredTitle),
		}
		if len(f.Meta) > 0 && json.Valid(f.Meta) {
			sf.Meta = datatypes.JSON(f.Meta)
		}
		out = append(out, sf)
	}
	return out
}

// clip truncates s to at most n runes. n <= 0 disables clipping.
func clip(s string, n int) string {
	if n > 0 && utf8.RuneCountInString(s) > n {
		return string([]rune(s)[:n])
	}
	return s
}

// normalizeTitle trims whitespace and collapses multiple spaces to one.
func normalizeTitle(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

// whitespaceRE matches runs of whitespace, including ideographic spaces.
var whitespaceRE = regexp.MustCompile(`[\s\p{Z}]+`)
