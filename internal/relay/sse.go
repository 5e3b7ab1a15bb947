package relay

import (
	"bytes"

	"github.com/tidwall/gjson"

	"github.com/tbourn/go-chat-gateway/internal/sysutil"
)

// Event names emitted by the service that the relay reacts to.
const (
	EventMessage      = "message"
	EventAgentMessage = "agent_message"
	EventMessageEnd   = "message_end"
	EventError        = "error"
)

// Event is one decoded data frame.
type Event struct {
	Name           string
	TaskID         string
	ConversationID string
	MessageID      string
	Answer         string
	Message        string // error text for EventError
}

// Parser splits a byte stream into SSE data frames. It is incremental:
// chunks may end anywhere, including inside a line or a UTF-8 sequence.
//
// Consecutive data lines of one frame are joined with "\n". A frame is
// decoded as soon as its joined data forms a JSON object, so the usual one
// line frames do not wait for the blank separator; otherwise it is decoded
// at the blank line. Comment lines, other fields and payloads that are not
// JSON objects are skipped. A Parser is not safe for concurrent use.
type Parser struct {
	buf  []byte
	data []byte
	// open is set while data lines are being collected for a frame.
	open bool
}

// Feed consumes a chunk and returns the events completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)
	var out []Event
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		if ev, ok := p.line(p.buf[:i]); ok {
			out = append(out, ev)
		}
		p.buf = p.buf[i+1:]
	}
	// keep the partial line, but don't pin a large backing array forever
	if len(p.buf) == 0 {
		p.buf = nil
	} else if cap(p.buf) > 64<<10 && len(p.buf) < cap(p.buf)/4 {
		p.buf = append([]byte(nil), p.buf...)
	}
	return out
}

// Close flushes a trailing line that was not newline-terminated and any
// frame still collecting data.
func (p *Parser) Close() []Event {
	var out []Event
	if len(p.buf) > 0 {
		line := p.buf
		p.buf = nil
		if ev, ok := p.line(line); ok {
			out = append(out, ev)
		}
	}
	if ev, ok := p.dispatch(); ok {
		out = append(out, ev)
	}
	return out
}

func (p *Parser) line(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 {
		return p.dispatch()
	}
	if !bytes.HasPrefix(line, []byte("data:")) {
		return Event{}, false
	}
	v := line[len("data:"):]
	if len(v) > 0 && v[0] == ' ' {
		v = v[1:]
	}
	if p.open {
		p.data = append(p.data, '\n')
	}
	p.data = append(p.data, v...)
	p.open = true

	if payload := bytes.TrimSpace(p.data); len(payload) > 0 && payload[0] == '{' && gjson.ValidBytes(payload) {
		return p.dispatch()
	}
	return Event{}, false
}

// dispatch decodes the collected frame and resets it.
func (p *Parser) dispatch() (Event, bool) {
	if !p.open {
		return Event{}, false
	}
	payload := bytes.TrimSpace(p.data)
	p.data = p.data[:0]
	p.open = false
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return Event{}, false
	}
	res := gjson.ParseBytes(payload)
	if !res.IsObject() {
		return Event{}, false
	}
	return Event{
		Name:           res.Get("event").String(),
		TaskID:         res.Get("task_id").String(),
		ConversationID: res.Get("conversation_id").String(),
		MessageID:      sysutil.FirstNonEmpty(res.Get("message_id").String(), res.Get("id").String()),
		Answer:         res.Get("answer").String(),
		Message:        res.Get("message").String(),
	}, true
}
