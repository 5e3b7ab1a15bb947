// Package services – ConversationService
//
// Read-through access to the upstream conversation and message history.
// Nothing here touches the local database.
package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-gateway/internal/upstream"
	"github.com/tbourn/go-chat-gateway/internal/utils"
)

// ConversationUpstream is the subset of the upstream client used for
// history reads.
type ConversationUpstream interface {
	ListConversations(ctx context.Context, user, lastID string, limit int) (*upstream.Page, error)
	GenerateName(ctx context.Context, id, user string) (string, error)
	ListMessages(ctx context.Context, conversationID, user, firstID string, limit int) (*upstream.Page, error)
	ConversationMessages(ctx context.Context, conversationID, user string, limit int) (*upstream.Page, error)
}

// InitResult is the transcript a chat client opens with.
type InitResult struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	Messages       []upstream.Turn `json:"messages"`
}

// ConversationService proxies conversation and message history.
type ConversationService struct {
	Upstream ConversationUpstream
	// MaxLimit caps the page size passed upstream. Zero means 100.
	MaxLimit int
}

// List returns the user's upstream conversations.
func (s *ConversationService) List(ctx context.Context, userID, lastID string, limit int) (*upstream.Page, error) {
	return s.Upstream.ListConversations(ctx, userID, strings.TrimSpace(lastID), s.limit(limit))
}

// GenerateName asks upstream to name the conversation.
func (s *ConversationService) GenerateName(ctx context.Context, userID, conversationID string) (string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return "", ErrMissingConversation
	}
	return s.Upstream.GenerateName(ctx, conversationID, userID)
}

// Messages returns the message history of a conversation.
func (s *ConversationService) Messages(ctx context.Context, userID, conversationID, firstID string, limit int) (*upstream.Page, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrMissingConversation
	}
	return s.Upstream.ListMessages(ctx, conversationID, userID, strings.TrimSpace(firstID), s.limit(limit))
}

// Init loads the transcript of the user's most recently updated
// conversation. With no conversation it returns a single empty assistant
// turn, which clients replace with their welcome text.
//
// History is read from /conversations/{id}/messages first; when the service
// rejects that path the /messages query is tried. Transport failures are
// returned as is.
func (s *ConversationService) Init(ctx context.Context, userID string) (*InitResult, error) {
	convs, err := s.Upstream.ListConversations(ctx, userID, "", 0)
	if err != nil {
		return nil, err
	}
	id := upstream.LatestConversationID(convs.Data)
	if id == "" {
		return &InitResult{Messages: []upstream.Turn{{Role: upstream.RoleAssistant}}}, nil
	}

	page, err := s.Upstream.ConversationMessages(ctx, id, userID, 0)
	var ue *upstream.Error
	if errors.As(err, &ue) {
		zerolog.Ctx(ctx).Debug().Int("upstream_status", ue.Status).Str("conversation_id", id).
			Msg("conversation messages path rejected; using /messages")
		page, err = s.Upstream.ListMessages(ctx, id, userID, "", 0)
	}
	if err != nil {
		return nil, err
	}
	return &InitResult{ConversationID: id, Messages: upstream.Turns(page.Data)}, nil
}

func (s *ConversationService) limit(n int) int {
	max := s.MaxLimit
	if max <= 0 {
		max = utils.MaxPageSize
	}
	if n <= 0 {
		return 0
	}
	return utils.Clamp(n, 1, max)
}
