// Package relay forwards a streaming chat completion from the AI service to
// a client while inspecting the frames in flight. It owns the cancellation
// contract: the caller's context is the cancellation token, a failed client
// write counts as cancellation, and an interrupted generation is stopped
// upstream on a detached, time-bounded context.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-chat-gateway/internal/upstream"
)

// Upstream is the subset of the AI service client the relay needs.
type Upstream interface {
	StreamChat(ctx context.Context, in upstream.ChatRequest) (*upstream.Stream, error)
	StopTask(ctx context.Context, taskID, user string) (json.RawMessage, error)
}

// Reconciler records the outcome of a relay in the session store. It is
// invoked at most once per relay, on the first message_end frame.
type Reconciler interface {
	Reconcile(ctx context.Context, c Completion) error
}

// Completion describes a finished exchange.
type Completion struct {
	TenantID       string
	UserID         string
	ConversationID string
	// New is true when the request carried no conversation id.
	New    bool
	Query  string
	Answer string
	Files  []upstream.File
}

// Sink is the client side of a relay.
type Sink interface {
	// Start commits the status line and headers.
	Start(status int, contentType string)
	Write(p []byte) (int, error)
	Flush()
}

// Request is one relay invocation.
type Request struct {
	TenantID string
	UserID   string
	Chat     upstream.ChatRequest
}

// Result summarizes a relay that reached the streaming phase.
type Result struct {
	TaskID         string
	ConversationID string
	MessageID      string
	Completed      bool
	Interrupted    bool
	Outcome        string
	Bytes          int64
}

// Relay streams chat completions. The zero value is not usable; set
// Upstream at least.
type Relay struct {
	Upstream    Upstream
	Sessions    Reconciler
	StopTimeout time.Duration
	// BufferSize is the read size per upstream chunk.
	BufferSize int
}

// Send opens the upstream stream and copies it to sink chunk by chunk,
// flushing after each one. Errors returned before the first byte reaches
// sink (Result is zero) may still be reported to the client as a normal
// error response; once streaming has started Send returns a nil error and
// the outcome is carried in Result.
func (r *Relay) Send(ctx context.Context, req Request, sink Sink) (Result, error) {
	ctx, span := otel.Tracer("relay").Start(ctx, "relay.Send")
	defer span.End()
	log := zerolog.Ctx(ctx)

	streamsInflight.Inc()
	defer streamsInflight.Dec()

	st, err := r.Upstream.StreamChat(ctx, req.Chat)
	if err != nil {
		streamOutcomes.WithLabelValues(OutcomeRejected).Inc()
		span.RecordError(err)
		return Result{}, err
	}
	defer st.Body.Close()

	ct := st.ContentType
	if ct == "" {
		ct = "text/event-stream"
	}
	sink.Start(st.Status, ct)

	var (
		res     = Result{ConversationID: req.Chat.ConversationID}
		parser  Parser
		answer  strings.Builder
		bufSize = r.BufferSize
		readErr error
	)
	if bufSize <= 0 {
		bufSize = 32 << 10
	}
	buf := make([]byte, bufSize)

	track := func(ev Event) {
		if ev.TaskID != "" && res.TaskID == "" {
			res.TaskID = ev.TaskID
		}
		if ev.ConversationID != "" {
			res.ConversationID = ev.ConversationID
		}
		if ev.MessageID != "" {
			res.MessageID = ev.MessageID
		}
	}
	handle := func(events []Event) {
		for _, ev := range events {
			track(ev)
			switch ev.Name {
			case EventMessage, EventAgentMessage:
				answer.WriteString(ev.Answer)
			case EventError:
				log.Warn().Str("task_id", res.TaskID).Str("message", ev.Message).Msg("upstream error event")
			case EventMessageEnd:
				if !res.Completed {
					res.Completed = true
					r.reconcile(ctx, req, res.ConversationID, answer.String())
				}
			}
		}
	}

	for {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		n, rerr := st.Body.Read(buf)
		if n > 0 {
			events := parser.Feed(buf[:n])
			if _, werr := sink.Write(buf[:n]); werr != nil {
				// The client never saw this chunk: keep its ids so the
				// task can still be stopped, but do not reconcile.
				for _, ev := range events {
					track(ev)
				}
				res.Interrupted = true
				log.Debug().Err(werr).Msg("client write failed")
				break
			}
			sink.Flush()
			res.Bytes += int64(n)
			handle(events)
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				readErr = rerr
			}
			break
		}
	}
	if rest := parser.Close(); res.Interrupted {
		for _, ev := range rest {
			track(ev)
		}
	} else {
		handle(rest)
	}

	switch {
	case res.Interrupted || (readErr != nil && ctx.Err() != nil):
		res.Interrupted = true
		res.Outcome = OutcomeInterrupted
		r.stop(ctx, req.Chat.User, res.TaskID)
		writeFrame(sink, "interrupted", res)
	case readErr != nil:
		res.Outcome = OutcomeUpstreamErr
		log.Warn().Err(readErr).Str("task_id", res.TaskID).Msg("upstream stream broke")
		writeFrame(sink, "error", res)
	case res.Completed:
		res.Outcome = OutcomeCompleted
	default:
		res.Outcome = OutcomeIncomplete
	}
	streamOutcomes.WithLabelValues(res.Outcome).Inc()
	span.SetAttributes(
		attribute.String("relay.outcome", res.Outcome),
		attribute.String("relay.task_id", res.TaskID),
		attribute.Int64("relay.bytes", res.Bytes),
	)
	log.Info().
		Str("outcome", res.Outcome).
		Str("task_id", res.TaskID).
		Str("conversation_id", res.ConversationID).
		Int64("bytes", res.Bytes).
		Msg("relay finished")
	return res, nil
}

// reconcile runs detached from client cancellation so a disconnect right
// after message_end does not lose the session row.
func (r *Relay) reconcile(ctx context.Context, req Request, conversationID, answer string) {
	if r.Sessions == nil || conversationID == "" {
		return
	}
	err := r.Sessions.Reconcile(context.WithoutCancel(ctx), Completion{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		ConversationID: conversationID,
		New:            req.Chat.ConversationID == "",
		Query:          req.Chat.Query,
		Answer:         answer,
		Files:          req.Chat.Files,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("conversation_id", conversationID).Msg("session reconcile failed")
	}
}

// stop is best effort: failures are logged and never reach the client.
func (r *Relay) stop(ctx context.Context, user, taskID string) {
	log := zerolog.Ctx(ctx)
	if taskID == "" {
		log.Debug().Msg("stream interrupted before a task id was seen; nothing to stop")
		return
	}
	timeout := r.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if _, err := r.Upstream.StopTask(stopCtx, taskID, user); err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("stop after interrupt failed")
		return
	}
	log.Info().Str("task_id", taskID).Msg("upstream task stopped after interrupt")
}

// writeFrame makes a last attempt to tell the client how the stream ended.
// The write usually fails when the client is gone; that is fine.
func writeFrame(sink Sink, name string, res Result) {
	payload, _ := json.Marshal(map[string]string{
		"event":           name,
		"task_id":         res.TaskID,
		"conversation_id": res.ConversationID,
	})
	frame := "event: " + name + "\ndata: " + string(payload) + "\n\n"
	if _, err := sink.Write([]byte(frame)); err == nil {
		sink.Flush()
	}
}
