package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
)

// Page is a normalized list answer. Data is never nil.
type Page struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
	Limit   int               `json:"limit"`
}

// ListConversations returns the user's upstream conversations. lastID and
// limit are passed through when set.
func (c *Client) ListConversations(ctx context.Context, user, lastID string, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("user", user)
	if lastID != "" {
		q.Set("last_id", lastID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doJSON(ctx, "list_conversations", http.MethodGet, "/conversations?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return decodePage(body, limit, "data", "items", "conversations"), nil
}

// DeleteConversation removes a conversation on the service side.
func (c *Client) DeleteConversation(ctx context.Context, id, user string) error {
	_, err := c.doJSON(ctx, "delete_conversation", http.MethodDelete,
		"/conversations/"+url.PathEscape(id),
		map[string]string{"user": user})
	return err
}

// GenerateName asks the service to auto-generate a conversation name. The
// name is read from name or title.
func (c *Client) GenerateName(ctx context.Context, id, user string) (string, error) {
	body, err := c.doJSON(ctx, "rename_conversation", http.MethodPost,
		"/conversations/"+url.PathEscape(id)+"/name",
		map[string]any{"auto_generate": true, "user": user})
	if err != nil {
		return "", err
	}
	return firstString(body, "name", "title", "data.name"), nil
}

// ListMessages returns the message history of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID, user, firstID string, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID)
	q.Set("user", user)
	if firstID != "" {
		q.Set("first_id", firstID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doJSON(ctx, "list_messages", http.MethodGet, "/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return decodePage(body, limit, "data", "items", "messages"), nil
}

// ConversationMessages reads the history through the per-conversation path
// that some service versions expose instead of GET /messages.
func (c *Client) ConversationMessages(ctx context.Context, conversationID, user string, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("user", user)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doJSON(ctx, "conversation_messages", http.MethodGet,
		"/conversations/"+url.PathEscape(conversationID)+"/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return decodePage(body, limit, "data", "items", "messages"), nil
}

// Ratings accepted by SendFeedback.
const (
	RatingLike    = "like"
	RatingDislike = "dislike"
)

// SendFeedback rates an assistant message.
func (c *Client) SendFeedback(ctx context.Context, messageID, user, rating string) error {
	_, err := c.doJSON(ctx, "feedback", http.MethodPost,
		"/messages/"+url.PathEscape(messageID)+"/feedbacks",
		map[string]string{"rating": rating, "user": user})
	return err
}

func decodePage(body []byte, limit int, paths ...string) *Page {
	items, _ := firstArray(body, paths...)
	if items == nil {
		items = []json.RawMessage{}
	}
	p := &Page{Data: items, HasMore: gjson.GetBytes(body, "has_more").Bool(), Limit: limit}
	if l := gjson.GetBytes(body, "limit"); l.Exists() {
		p.Limit = int(l.Int())
	}
	return p
}
