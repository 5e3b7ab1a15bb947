package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// File transfer methods understood by the chat endpoint.
const (
	TransferLocalFile = "local_file"
	TransferRemoteURL = "remote_url"
)

// File references an attachment of a chat message.
type File struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
	URL            string `json:"url,omitempty"`
	// Name and Meta (the upload response) are kept locally for session
	// bookkeeping and never sent.
	Name string          `json:"-"`
	Meta json.RawMessage `json:"-"`
}

// ChatRequest is the body of POST /chat-messages.
type ChatRequest struct {
	Query          string         `json:"query"`
	Inputs         map[string]any `json:"inputs"`
	User           string         `json:"user"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ResponseMode   string         `json:"response_mode"`
	Files          []File         `json:"files"`
}

// Stream is an open streaming response. Callers must Close Body.
type Stream struct {
	Status      int
	ContentType string
	Body        io.ReadCloser
}

// StreamChat starts a streaming chat completion. The response body is not
// read; cancellation of ctx aborts the underlying connection.
func (c *Client) StreamChat(ctx context.Context, in ChatRequest) (*Stream, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.chat", trace.WithSpanKind(trace.SpanKindClient))

	in.ResponseMode = "streaming"
	if in.Inputs == nil {
		in.Inputs = map[string]any{}
	}
	if in.Files == nil {
		in.Files = []File{}
	}
	span.SetAttributes(
		attribute.Bool("chat.new_conversation", in.ConversationID == ""),
		attribute.Int("chat.files", len(in.Files)),
	)

	b, err := json.Marshal(in)
	if err != nil {
		span.End()
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/chat-messages", bytes.NewReader(b))
	if err != nil {
		span.End()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.send(c.stream, "chat", req)
	if err != nil {
		recordErr(span, err)
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return &Stream{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        &spanBody{ReadCloser: resp.Body, span: span},
	}, nil
}

// spanBody ends the chat span when the stream is closed.
type spanBody struct {
	io.ReadCloser
	span trace.Span
	once sync.Once
}

func (b *spanBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.span.End() })
	return err
}

// StopTask asks the service to stop generating for taskID and returns the
// raw JSON answer.
func (c *Client) StopTask(ctx context.Context, taskID, user string) (json.RawMessage, error) {
	body, err := c.doJSON(ctx, "stop", http.MethodPost,
		"/chat-messages/"+url.PathEscape(taskID)+"/stop",
		map[string]string{"user": user})
	if err != nil {
		return nil, err
	}
	return rawOrEmpty(body), nil
}
