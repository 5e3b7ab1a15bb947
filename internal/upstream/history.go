package upstream

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one line of a chat transcript.
type Turn struct {
	Role    string `json:"role" example:"assistant"`
	Content string `json:"content" example:"Hello! How can I help?"`
}

// LatestConversationID returns the id of the most recently updated
// conversation in items, or "" when none carries an id. Ties keep the
// earlier item, so an unsorted list without timestamps yields its first.
func LatestConversationID(items []json.RawMessage) string {
	var (
		best   string
		bestAt int64
	)
	for _, it := range items {
		id := firstString(it, "id", "conversation_id", "conversationId")
		if id == "" {
			continue
		}
		if at := updatedAtMillis(it); best == "" || at > bestAt {
			best, bestAt = id, at
		}
	}
	return best
}

// updatedAtMillis reads updated_at as unix seconds, unix millis or an
// RFC 3339 string. Unknown shapes count as the epoch.
func updatedAtMillis(item []byte) int64 {
	for _, p := range []string{"updated_at", "updatedAt", "created_at"} {
		r := gjson.GetBytes(item, p)
		switch r.Type {
		case gjson.Number:
			n := r.Int()
			if n < 1e12 {
				n *= 1000
			}
			return n
		case gjson.String:
			if t, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
				return t.UnixMilli()
			}
		}
	}
	return 0
}

// Turns flattens message history into transcript lines. A native message
// holds one exchange (query and answer) and yields up to two turns; other
// shapes yield one turn from their role and content aliases. Items without
// text are dropped.
func Turns(items []json.RawMessage) []Turn {
	out := make([]Turn, 0, len(items))
	for _, it := range items {
		q, a := firstString(it, "query"), firstString(it, "answer")
		if q != "" || a != "" {
			if q != "" {
				out = append(out, Turn{Role: RoleUser, Content: q})
			}
			if a != "" {
				out = append(out, Turn{Role: RoleAssistant, Content: a})
			}
			continue
		}
		content := firstString(it, "content", "text", "body", "outputs.text")
		if content == "" {
			continue
		}
		role := firstString(it, "role", "author.role")
		if role == "" {
			role = RoleUser
			if firstString(it, "from") == RoleAssistant {
				role = RoleAssistant
			}
		}
		out = append(out, Turn{Role: role, Content: content})
	}
	return out
}
