// Package services – FeedbackService
//
// This file implements the FeedbackService, which forwards a user's rating
// (-1 or +1) on an assistant message to the upstream service. Ratings are
// not stored locally; the upstream is the system of record for messages.
package services

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-gateway/internal/upstream"
)

// FeedbackSender delivers a rating to the upstream service.
type FeedbackSender interface {
	SendFeedback(ctx context.Context, messageID, user, rating string) error
}

// FeedbackService implements the use-case around message feedback.
type FeedbackService struct {
	Upstream FeedbackSender
}

// Leave records a feedback value for messageID on behalf of userID.
//
// value must be exactly -1 (dislike) or 1 (like); otherwise
// ErrInvalidFeedback. Upstream failures are returned unchanged so the
// handler can surface the upstream status.
func (s *FeedbackService) Leave(ctx context.Context, userID, messageID string, value int) error {
	tr := otel.Tracer("services/FeedbackService")
	ctx, span := tr.Start(ctx, "Leave",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", userID),
			attribute.Int("value", value),
		),
	)
	defer span.End()

	var rating string
	switch value {
	case 1:
		rating = upstream.RatingLike
	case -1:
		rating = upstream.RatingDislike
	default:
		return ErrInvalidFeedback
	}
	if strings.TrimSpace(messageID) == "" {
		return ErrInvalidInput
	}
	if err := s.Upstream.SendFeedback(ctx, messageID, userID, rating); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
