// Chat relay HTTP handlers.
//
// This file exposes the streaming chat endpoints and the file and stop calls
// that accompany them:
//   - POST   /chat-messages                 (JSON or multipart, streamed)
//   - POST   /chat                          (legacy alias: input/message)
//   - POST   /chat-messages/{task_id}/stop
//   - POST   /files/upload
//   - DELETE /files/{id}
//
// Multipart file parts are uploaded to the AI service one by one as they are
// read, so no attachment is ever held in memory whole.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-gateway/internal/http/middleware"
	"github.com/tbourn/go-chat-gateway/internal/relay"
	"github.com/tbourn/go-chat-gateway/internal/sysutil"
	"github.com/tbourn/go-chat-gateway/internal/upstream"
)

// maxFieldBytes caps a single non-file multipart field.
const maxFieldBytes = 1 << 20

//
// DTOs
//

// ChatRequest is the JSON body of POST /chat-messages.
type ChatRequest struct {
	Query          string          `json:"query" example:"Summarize the attached report"`
	Inputs         map[string]any  `json:"inputs"`
	ConversationID string          `json:"conversation_id,omitempty" example:"5c6f2a0e-8f3c-4d8e-9b7a-2f0c1d3e4a5b"`
	Files          []upstream.File `json:"files"`
	// Input and Message are accepted by POST /chat in place of Query.
	Input   string `json:"input,omitempty"`
	Message string `json:"message,omitempty"`
}

// StopRequest optionally names the user whose task is stopped.
type StopRequest struct {
	User string `json:"user"`
}

//
// Streaming sink
//

// ginSink adapts a gin response to relay.Sink.
type ginSink struct {
	c       *gin.Context
	started bool
}

func (s *ginSink) Start(status int, contentType string) {
	h := s.c.Writer.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Del("Content-Length")
	s.c.Status(status)
	s.c.Writer.WriteHeaderNow()
	s.started = true
}

func (s *ginSink) Write(p []byte) (int, error) { return s.c.Writer.Write(p) }

func (s *ginSink) Flush() { s.c.Writer.Flush() }

//
// Handlers
//

// SendChat godoc
// @ID          sendChat
// @Summary     Send a chat message (streamed)
// @Description Relays a chat completion from the AI service as server-sent events. Accepts JSON or multipart/form-data; multipart file parts are uploaded first and attached.
// @Tags        Chat
// @Accept      json
// @Accept      mpfd
// @Produce     text/event-stream
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Param       body         body    handlers.ChatRequest  true  "Chat message"
// @Success     200  {string} string "SSE stream"
// @Failure     400  {object} handlers.ErrorResponse "query or files required"
// @Failure     413  {object} handlers.ErrorResponse "Upload too large"
// @Failure     502  {object} handlers.ErrorResponse "AI service error or unavailable"
// @Router      /chat-messages [post]
func (h *Handlers) SendChat(c *gin.Context) { h.sendChat(c, false) }

// LegacyChat godoc
// @ID          legacyChat
// @Summary     Send a chat message (legacy alias)
// @Description Same as /chat-messages; the text may also be sent as input or message.
// @Tags        Chat
// @Accept      json
// @Accept      mpfd
// @Produce     text/event-stream
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Param       body         body    handlers.ChatRequest  true  "Chat message"
// @Success     200  {string} string "SSE stream"
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     502  {object} handlers.ErrorResponse
// @Router      /chat [post]
func (h *Handlers) LegacyChat(c *gin.Context) { h.sendChat(c, true) }

func (h *Handlers) sendChat(c *gin.Context, legacy bool) {
	uid := userID(c)

	var (
		in  upstream.ChatRequest
		err error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		in, err = h.readMultipartChat(c, uid)
	} else {
		in, err = readJSONChat(c, legacy)
	}
	if err != nil {
		h.failInput(c, err)
		return
	}
	if strings.TrimSpace(in.Query) == "" && len(in.Files) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "query or files required")
		return
	}
	in.User = uid

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	sink := &ginSink{c: c}
	res, err := h.relay.Send(c.Request.Context(), relay.Request{
		TenantID: tenantID(c),
		UserID:   uid,
		Chat:     in,
	}, sink)
	if err != nil {
		if !sink.started {
			failErr(c, err)
		}
		return
	}
	if res.Interrupted {
		c.Abort()
	}
}

func readJSONChat(c *gin.Context, legacy bool) (upstream.ChatRequest, error) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return upstream.ChatRequest{}, errBadBody
	}
	q := req.Query
	if legacy && strings.TrimSpace(q) == "" {
		q = sysutil.FirstNonEmpty(req.Input, req.Message)
	}
	return upstream.ChatRequest{
		Query:          q,
		Inputs:         req.Inputs,
		ConversationID: strings.TrimSpace(req.ConversationID),
		Files:          req.Files,
	}, nil
}

// readMultipartChat walks the form once. Text fields set the query and
// conversation; every file part is uploaded as soon as it is reached.
func (h *Handlers) readMultipartChat(c *gin.Context, uid string) (upstream.ChatRequest, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	mr, err := c.Request.MultipartReader()
	if err != nil {
		return upstream.ChatRequest{}, errBadBody
	}

	var (
		in     upstream.ChatRequest
		fields = map[string]string{}
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return upstream.ChatRequest{}, err
		}
		if part.FileName() == "" {
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			_ = part.Close()
			if err != nil {
				return upstream.ChatRequest{}, err
			}
			fields[part.FormName()] = string(v)
			continue
		}
		f, err := h.uploadPart(c, uid, part)
		_ = part.Close()
		if err != nil {
			return upstream.ChatRequest{}, err
		}
		in.Files = append(in.Files, f)
	}

	in.Query = sysutil.FirstNonEmpty(fields["query"], fields["input"], fields["message"])
	in.ConversationID = strings.TrimSpace(fields["conversation_id"])
	if raw := fields["inputs"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &in.Inputs)
	}
	middleware.LoggerFrom(c).Debug().Int("files", len(in.Files)).Msg("multipart chat parsed")
	return in, nil
}

func (h *Handlers) uploadPart(c *gin.Context, uid string, part *multipart.Part) (upstream.File, error) {
	ct := part.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	up, err := h.files.UploadFile(c.Request.Context(), uid, part.FileName(), ct, part)
	if err != nil {
		return upstream.File{}, err
	}
	return upstream.File{
		Type:           upstream.FileTypeFromMIME(ct),
		TransferMethod: upstream.TransferLocalFile,
		UploadFileID:   up.ID,
		Name:           up.Name,
		Meta:           up.Raw,
	}, nil
}

// StopChat godoc
// @ID          stopChat
// @Summary     Stop a running generation
// @Tags        Chat
// @Accept      json
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Param       task_id      path    string  true  "Task ID from the stream"
// @Param       body         body    handlers.StopRequest  false  "Optional user override"
// @Success     200  {object} map[string]any "AI service answer"
// @Failure     502  {object} handlers.ErrorResponse
// @Router      /chat-messages/{task_id}/stop [post]
func (h *Handlers) StopChat(c *gin.Context) {
	var req StopRequest
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&req)
	}
	user := sysutil.FirstNonEmpty(req.User, userID(c))

	raw, err := h.files.StopTask(c.Request.Context(), c.Param("task_id"), user)
	if err != nil {
		failErr(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// UploadFile godoc
// @ID          uploadFile
// @Summary     Upload a file to the AI service
// @Description Forwards one file (form field "file") and returns the AI service answer with a preview_url.
// @Tags        Files
// @Accept      mpfd
// @Produce     json
// @Param       X-Tenant-ID  header    string  true  "Tenant ID"
// @Param       X-User-ID    header    string  true  "User ID"
// @Param       file         formData  file    true  "File"
// @Success     200  {object} map[string]any
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     413  {object} handlers.ErrorResponse
// @Failure     502  {object} handlers.ErrorResponse
// @Router      /files/upload [post]
func (h *Handlers) UploadFile(c *gin.Context) {
	uid := userID(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	mr, err := c.Request.MultipartReader()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "multipart body with a file required")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.failInput(c, err)
			return
		}
		if part.FileName() == "" {
			_ = part.Close()
			continue
		}
		ct := part.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		up, err := h.files.UploadFile(c.Request.Context(), uid, part.FileName(), ct, part)
		_ = part.Close()
		if err != nil {
			h.failInput(c, err)
			return
		}
		ok(c, http.StatusOK, uploadView(up))
		return
	}
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, "file required")
}

// uploadView returns the service's JSON with preview_url filled in.
func uploadView(up *upstream.UploadedFile) map[string]any {
	out := map[string]any{}
	if err := json.Unmarshal(up.Raw, &out); err != nil || out == nil {
		out = map[string]any{
			"id":        up.ID,
			"name":      up.Name,
			"mime_type": up.MimeType,
			"size":      up.Size,
		}
	}
	if _, has := out["id"]; !has {
		out["id"] = up.ID
	}
	out["preview_url"] = up.PreviewURL
	return out
}

// DeleteFile godoc
// @ID          deleteFile
// @Summary     Delete an uploaded file
// @Tags        Files
// @Produce     json
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       X-User-ID    header  string  true  "User ID"
// @Param       id           path    string  true  "File ID"
// @Success     200  {object} handlers.SuccessResponse
// @Failure     502  {object} handlers.ErrorResponse
// @Router      /files/{id} [delete]
func (h *Handlers) DeleteFile(c *gin.Context) {
	if err := h.files.DeleteFile(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, SuccessResponse{Success: true})
}

var errBadBody = errors.New("invalid request body")

// failInput handles errors raised while reading a request body, which may
// be client mistakes rather than service failures.
func (h *Handlers) failInput(c *gin.Context, err error) {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "upload exceeds the size limit")
	case errors.Is(err, errBadBody), errors.Is(err, multipart.ErrMessageTooLarge):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
	default:
		failErr(c, err)
	}
}
