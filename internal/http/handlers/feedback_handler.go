package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// LeaveFeedbackRequest rates a message. Clients send either the numeric
// value (+1 like, -1 dislike) or the AI service's own rating word.
type LeaveFeedbackRequest struct {
	Value  *int   `json:"value,omitempty" example:"1" enums:"-1,1"`
	Rating string `json:"rating,omitempty" example:"like" enums:"like,dislike"`
}

// score resolves the request to -1 or +1. A numeric value wins over the
// rating word.
func (r LeaveFeedbackRequest) score() (int, bool) {
	if r.Value != nil {
		return *r.Value, *r.Value == 1 || *r.Value == -1
	}
	switch strings.ToLower(strings.TrimSpace(r.Rating)) {
	case "like":
		return 1, true
	case "dislike":
		return -1, true
	}
	return 0, false
}

// LeaveFeedback godoc
// @ID          leaveFeedback
// @Summary     Rate an assistant message
// @Description Forwards a like or dislike for a message to the AI service.
// @Tags        Feedback
// @Accept      json
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Param       id           path    string  true  "Message ID"
// @Param       body         body    handlers.LeaveFeedbackRequest true "Feedback payload"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload"
// @Failure     502  {object} handlers.ErrorResponse "AI service error"
// @Router      /messages/{id}/feedback [post]
func (h *Handlers) LeaveFeedback(c *gin.Context) {
	var req LeaveFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	value, valid := req.score()
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "value must be -1 or 1, or rating like or dislike")
		return
	}

	if err := h.fbSvc.Leave(c.Request.Context(), userID(c), c.Param("id"), value); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
