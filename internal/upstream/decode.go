package upstream

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// The service has changed field names across versions; these helpers read
// the first present alias instead of binding to one fixed shape.

func firstString(body []byte, paths ...string) string {
	for _, p := range paths {
		if r := gjson.GetBytes(body, p); r.Exists() && r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

func firstInt(body []byte, paths ...string) int64 {
	for _, p := range paths {
		if r := gjson.GetBytes(body, p); r.Exists() && r.Type == gjson.Number {
			return r.Int()
		}
	}
	return 0
}

// firstArray returns the elements of the first alias that holds a JSON array.
func firstArray(body []byte, paths ...string) ([]json.RawMessage, bool) {
	for _, p := range paths {
		r := gjson.GetBytes(body, p)
		if !r.IsArray() {
			continue
		}
		items := r.Array()
		out := make([]json.RawMessage, 0, len(items))
		for _, it := range items {
			out = append(out, json.RawMessage(it.Raw))
		}
		return out, true
	}
	return nil, false
}

func rawOrEmpty(body []byte) json.RawMessage {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(body)
}
