// Conversation and message history handlers.
//
// These endpoints read through to the AI service, which owns conversation
// history:
//   - GET  /conversations               (list, cursor by last_id)
//   - POST /conversations/{id}/name     (auto-generate a name)
//   - GET  /messages                    (history of one conversation)
//   - GET  /init                        (transcript of the latest conversation)
//
// Answers are normalized to {data, has_more, limit} regardless of how the
// service shaped them.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-gateway/internal/utils"
)

// ConversationNameResponse carries a generated conversation name.
type ConversationNameResponse struct {
	Name string `json:"name" example:"Trip to Kyoto"`
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations from the AI service
// @Tags        Conversations
// @Produce     json
// @Param       X-Tenant-ID  header  string  true   "Tenant ID"
// @Param       X-User-ID    header  string  true   "User ID"
// @Param       last_id      query   string  false  "Cursor: id of the last conversation of the previous page"
// @Param       limit        query   int     false  "Page size"  minimum(1) maximum(100)
// @Success     200  {object} upstream.Page
// @Failure     502  {object} handlers.ErrorResponse
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	limit := utils.AtoiDefault(c.Query("limit"), 0)
	page, err := h.convs.List(c.Request.Context(), userID(c), c.Query("last_id"), limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, page)
}

// GenerateConversationName godoc
// @ID          generateConversationName
// @Summary     Auto-generate a conversation name
// @Tags        Conversations
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Param       id           path    string  true  "Conversation ID"
// @Success     200  {object} handlers.ConversationNameResponse
// @Failure     502  {object} handlers.ErrorResponse
// @Router      /conversations/{id}/name [post]
func (h *Handlers) GenerateConversationName(c *gin.Context) {
	name, err := h.convs.GenerateName(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ConversationNameResponse{Name: name})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     Message history of a conversation
// @Tags        Conversations
// @Produce     json
// @Param       X-Tenant-ID      header  string  true   "Tenant ID"
// @Param       X-User-ID        header  string  true   "User ID"
// @Param       conversation_id  query   string  true   "Conversation ID"
// @Param       first_id         query   string  false  "Cursor: id of the first message of the current page"
// @Param       limit            query   int     false  "Page size"  minimum(1) maximum(100)
// @Success     200  {object} upstream.Page
// @Failure     400  {object} handlers.ErrorResponse "conversation_id required"
// @Failure     502  {object} handlers.ErrorResponse
// @Router      /messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	convID := strings.TrimSpace(c.Query("conversation_id"))
	limit := utils.AtoiDefault(c.Query("limit"), 0)
	page, err := h.convs.Messages(c.Request.Context(), userID(c), convID, c.Query("first_id"), limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, page)
}

// InitConversation godoc
// @ID          initConversation
// @Summary     Transcript of the latest conversation
// @Description Loads the user's most recently updated conversation as {role, content} turns. Without one, a single empty assistant turn is returned.
// @Tags        Conversations
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Success     200  {object} services.InitResult
// @Failure     502  {object} handlers.ErrorResponse
// @Router      /init [get]
func (h *Handlers) InitConversation(c *gin.Context) {
	res, err := h.convs.Init(c.Request.Context(), userID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}
