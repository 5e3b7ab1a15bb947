// Session HTTP handlers.
//
// This file exposes the local session store:
//   - GET    /chat-sessions/list            (paginated, ETag support)
//   - GET    /chat-sessions/latest
//   - POST   /chat-sessions/new             (Idempotency-Key aware)
//   - POST   /chat-sessions/insert
//   - POST   /chat-sessions/{id}/rename
//   - PATCH  /chat-sessions/update-title
//   - POST   /chat-sessions/{id}/pin
//   - DELETE /conversations/{id}           (local, then AI service)
//   - POST   /db/chat-sessions             (batch insert)
//   - GET    /db/conversations
//   - DELETE /db/conversations             (batch, local only)
package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-gateway/internal/domain"
	"github.com/tbourn/go-chat-gateway/internal/http/middleware"
	"github.com/tbourn/go-chat-gateway/internal/services"
	"github.com/tbourn/go-chat-gateway/internal/utils"
)

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSessionsResponse wraps a page of sessions and pagination information.
type ListSessionsResponse struct {
	Sessions   []domain.ChatSession `json:"sessions"`
	Pagination Pagination           `json:"pagination"`
}

// SessionResponse wraps a single session.
type SessionResponse struct {
	Session *domain.ChatSession `json:"session"`
}

// LatestSessionResponse carries the most recent conversation id, or null.
type LatestSessionResponse struct {
	ConversationID *string `json:"conversation_id" example:"5c6f2a0e-8f3c-4d8e-9b7a-2f0c1d3e4a5b"`
}

// InsertSessionRequest records an existing upstream conversation.
type InsertSessionRequest struct {
	ConversationID string `json:"conversation_id" binding:"required" example:"5c6f2a0e-8f3c-4d8e-9b7a-2f0c1d3e4a5b"`
	Title          string `json:"title" binding:"required" example:"Quarterly report"`
}

// RenameSessionRequest is the JSON payload for renaming a session.
type RenameSessionRequest struct {
	// Title is the new session name (trimmed, non-empty).
	Title string `json:"title" binding:"required" example:"Travel plans"`
}

// UpdateTitleRequest renames the session of conversation_id.
type UpdateTitleRequest struct {
	ConversationID string `json:"conversation_id" binding:"required" example:"5c6f2a0e-8f3c-4d8e-9b7a-2f0c1d3e4a5b"`
	Title          string `json:"title" binding:"required" example:"Travel plans"`
}

// PinSessionRequest documents the pin payload. isPinned is accepted as an
// alias of is_pinned.
type PinSessionRequest struct {
	IsPinned bool `json:"is_pinned" example:"true"`
}

// InsertBatchRequest imports upstream conversations into the session store.
type InsertBatchRequest struct {
	Conversations []struct {
		ConversationID string `json:"conversation_id"`
		Title          string `json:"title"`
	} `json:"conversations"`
}

// InsertBatchResponse reports how many sessions were created.
type InsertBatchResponse struct {
	Inserted int64  `json:"inserted"`
	Message  string `json:"message,omitempty"`
}

// DeleteManyRequest lists conversation ids to remove locally.
type DeleteManyRequest struct {
	IDs []string `json:"ids"`
}

// StoredSession is the compact row of GET /db/conversations.
type StoredSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	IsPinned  bool      `json:"is_pinned"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredSessionsResponse wraps the compact session list.
type StoredSessionsResponse struct {
	Data []StoredSession `json:"data"`
}

// SuccessResponse is a bare acknowledgement.
type SuccessResponse struct {
	Success bool `json:"success" example:"true"`
}

//
// Helpers
//

// clampPagination parses page and page_size, bounded to 1..MaxPageSize.
func clampPagination(c *gin.Context) (page, pageSize int) {
	page = utils.AtoiDefault(c.Query("page"), 1)
	pageSize = utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	return utils.NormalizePage(page, pageSize)
}

//
// Handlers
//

// ListSessions godoc
// @ID          listSessions
// @Summary     List chat sessions (paginated)
// @Description Returns a page of the user's sessions, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Sessions
// @Produce     json
//
// @Param       X-Tenant-ID    header  string  true  "Tenant ID"
// @Param       X-User-ID      header  string  true  "User ID"
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListSessionsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Missing tenant or user"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chat-sessions/list [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if count, maxTS, err := h.sessions.Stats(ctx, uid); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixNano()
		}
		etag := fmt.Sprintf(`W/"sessions:%s:%d:%d:%d:%d"`, uid, count, ts, page, pageSize)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.sessions.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListSessionsResponse{
		Sessions: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// LatestSession godoc
// @ID          latestSession
// @Summary     Most recently updated session
// @Tags        Sessions
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Success     200  {object} handlers.LatestSessionResponse
// @Failure     400  {object} handlers.ErrorResponse
// @Router      /chat-sessions/latest [get]
func (h *Handlers) LatestSession(c *gin.Context) {
	s, err := h.sessions.Latest(c.Request.Context(), userID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	var resp LatestSessionResponse
	if s != nil {
		resp.ConversationID = &s.ExternalID
	}
	ok(c, http.StatusOK, resp)
}

// NewSession godoc
// @ID          newSession
// @Summary     Start a new chat session
// @Description Creates a session titled "New chat" with a fresh conversation id. A repeated Idempotency-Key returns the first session.
// @Tags        Sessions
// @Produce     json
// @Param       X-Tenant-ID      header  string  true  "Tenant ID"
// @Param       X-User-ID        header  string  true  "User ID"
// @Param       Idempotency-Key  header  string  false "Client retry key"
// @Success     201  {object} handlers.SessionResponse
// @Success     200  {object} handlers.SessionResponse "Replayed"
// @Header      200  {string} Idempotent-Replay "true"
// @Failure     400  {object} handlers.ErrorResponse
// @Router      /chat-sessions/new [post]
func (h *Handlers) NewSession(c *gin.Context) {
	key, _ := middleware.GetIdempotencyKey(c)
	s, replayed, err := h.sessions.New(c.Request.Context(), tenantID(c), userID(c), key)
	if err != nil {
		failErr(c, err)
		return
	}
	if replayed {
		c.Header("Idempotent-Replay", "true")
		ok(c, http.StatusOK, SessionResponse{Session: s})
		return
	}
	ok(c, http.StatusCreated, SessionResponse{Session: s})
}

// InsertSession godoc
// @ID          insertSession
// @Summary     Record an existing conversation
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Param       body         body    handlers.InsertSessionRequest  true  "Conversation"
// @Success     201  {object} handlers.SessionResponse
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     409  {object} handlers.ErrorResponse "Already exists"
// @Router      /chat-sessions/insert [post]
func (h *Handlers) InsertSession(c *gin.Context) {
	var req InsertSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ConversationID) == "" || strings.TrimSpace(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation_id and title required")
		return
	}
	s, err := h.sessions.Insert(c.Request.Context(), tenantID(c), userID(c), req.ConversationID, req.Title)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, SessionResponse{Session: s})
}

// RenameSession godoc
// @ID          renameSession
// @Summary     Rename a session
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       id           path    string  true  "Conversation ID"
// @Param       body         body    handlers.RenameSessionRequest  true  "New title"
// @Success     200  {object} handlers.SuccessResponse
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Router      /chat-sessions/{id}/rename [post]
func (h *Handlers) RenameSession(c *gin.Context) {
	var req RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required")
		return
	}
	if err := h.sessions.Rename(c.Request.Context(), tenantID(c), c.Param("id"), req.Title); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, SuccessResponse{Success: true})
}

// UpdateSessionTitle godoc
// @ID          updateSessionTitle
// @Summary     Rename a session by conversation id
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       body         body    handlers.UpdateTitleRequest  true  "Conversation and title"
// @Success     200  {object} map[string]bool
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Router      /chat-sessions/update-title [patch]
func (h *Handlers) UpdateSessionTitle(c *gin.Context) {
	var req UpdateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation_id and title required")
		return
	}
	if err := h.sessions.Rename(c.Request.Context(), tenantID(c), req.ConversationID, req.Title); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true})
}

// PinSession godoc
// @ID          pinSession
// @Summary     Pin or unpin a session
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       id           path    string  true  "Conversation ID"
// @Param       body         body    handlers.PinSessionRequest  true  "Pin state"
// @Success     200  {object} handlers.SuccessResponse
// @Failure     400  {object} handlers.ErrorResponse "is_pinned must be a boolean"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Router      /chat-sessions/{id}/pin [post]
func (h *Handlers) PinSession(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	v, found := body["is_pinned"]
	if !found {
		v = body["isPinned"]
	}
	pinned, isBool := v.(bool)
	if !isBool {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "is_pinned must be a boolean")
		return
	}
	if err := h.sessions.SetPinned(c.Request.Context(), tenantID(c), c.Param("id"), pinned); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, SuccessResponse{Success: true})
}

// DeleteConversation godoc
// @ID          deleteConversation
// @Summary     Delete a conversation
// @Description Removes the local session, then deletes the conversation on the AI service. If the AI service fails the local row is already gone and 502 is returned.
// @Tags        Sessions
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Param       id           path    string  true  "Conversation ID"
// @Success     200  {object} handlers.SuccessResponse
// @Failure     502  {object} handlers.ErrorResponse "AI service error"
// @Router      /conversations/{id} [delete]
func (h *Handlers) DeleteConversation(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), tenantID(c), userID(c), c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, SuccessResponse{Success: true})
}

// InsertSessionsBatch godoc
// @ID          insertSessionsBatch
// @Summary     Import conversations into the session store
// @Description The user must exist and belong to the tenant. Existing sessions are skipped.
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Param       body         body    handlers.InsertBatchRequest  true  "Conversations"
// @Success     201  {object} handlers.InsertBatchResponse
// @Success     200  {object} handlers.InsertBatchResponse "Nothing new"
// @Failure     403  {object} handlers.ErrorResponse "Tenant mismatch"
// @Failure     404  {object} handlers.ErrorResponse "User not found"
// @Router      /db/chat-sessions [post]
func (h *Handlers) InsertSessionsBatch(c *gin.Context) {
	var req InsertBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Conversations) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversations required")
		return
	}
	seeds := make([]services.SessionSeed, 0, len(req.Conversations))
	for _, cv := range req.Conversations {
		seeds = append(seeds, services.SessionSeed{ConversationID: cv.ConversationID, Title: cv.Title})
	}
	n, err := h.sessions.InsertBatch(c.Request.Context(), tenantID(c), userID(c), seeds)
	if err != nil {
		failErr(c, err)
		return
	}
	if n == 0 {
		ok(c, http.StatusOK, InsertBatchResponse{Message: "no new sessions to insert"})
		return
	}
	ok(c, http.StatusCreated, InsertBatchResponse{Inserted: n})
}

// ListStoredSessions godoc
// @ID          listStoredSessions
// @Summary     Compact list of stored sessions
// @Tags        Sessions
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Success     200  {object} handlers.StoredSessionsResponse
// @Router      /db/conversations [get]
func (h *Handlers) ListStoredSessions(c *gin.Context) {
	items, err := h.sessions.ListAll(c.Request.Context(), userID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	out := make([]StoredSession, 0, len(items))
	for _, s := range items {
		out = append(out, StoredSession{ID: s.ExternalID, Title: s.Title, IsPinned: s.IsPinned, UpdatedAt: s.UpdatedAt})
	}
	ok(c, http.StatusOK, StoredSessionsResponse{Data: out})
}

// DeleteSessionsBatch godoc
// @ID          deleteSessionsBatch
// @Summary     Remove sessions locally
// @Description Deletes the caller's sessions for the given conversation ids. The AI service is not contacted.
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Param       body         body    handlers.DeleteManyRequest  true  "Conversation ids"
// @Success     200  {object} map[string]any
// @Failure     400  {object} handlers.ErrorResponse
// @Router      /db/conversations [delete]
func (h *Handlers) DeleteSessionsBatch(c *gin.Context) {
	var req DeleteManyRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ids required")
		return
	}
	n, err := h.sessions.DeleteMany(c.Request.Context(), userID(c), req.IDs)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"result": "success", "deleted": n})
}
