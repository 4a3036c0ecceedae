package wbt

import (
	"fmt"
	"strconv"

	"github.com/zeebo/bencode"
)

// Message is one parsed inbound message, or a synthetic timeout
// indicator for a request that never heard back.
type Message struct {
	// Return path for Respond. Nil on timeout messages.
	rs *RequestStream

	typ      string
	reqID    int64
	endpoint string
	body     []byte

	timedOut bool
	isError  bool
}

// OK reports whether the message is a successful response:
// neither a timeout nor an error reply.
func (m Message) OK() bool { return !m.timedOut && !m.isError }

// TimedOut reports whether this message is the synthetic timeout
// indicator rather than a real reply.
func (m Message) TimedOut() bool { return m.timedOut }

// IsError reports whether the peer replied with the error tag.
func (m Message) IsError() bool { return m.isError }

// Type is the one-byte type tag: "C", "R", or "E".
func (m Message) Type() string { return m.typ }

// RID is the request id this message belongs to.
func (m Message) RID() int64 { return m.reqID }

// Endpoint is the command's endpoint name; empty for replies.
func (m Message) Endpoint() string { return m.endpoint }

// Body is the message payload.
func (m Message) Body() []byte { return m.body }

// Respond posts a reply to this command on the stream it arrived on.
// If the stream has since closed, Respond is a no-op.
func (m Message) Respond(body []byte, isError bool) error {
	if m.rs == nil {
		return fmt.Errorf("message has no return stream")
	}
	return m.rs.respond(m.reqID, body, isError)
}

// parseMessage decodes one complete bencoded message body.
func parseMessage(rs *RequestStream, data []byte) (Message, error) {
	var list []bencode.RawMessage
	if err := bencode.DecodeBytes(data, &list); err != nil {
		return Message{}, fmt.Errorf("failed to decode message list: %w", err)
	}
	if len(list) < 3 {
		return Message{}, fmt.Errorf("message list has %d elements, need at least 3", len(list))
	}

	m := Message{rs: rs}

	if err := bencode.DecodeBytes(list[0], &m.typ); err != nil {
		return Message{}, fmt.Errorf("failed to decode type tag: %w", err)
	}
	if err := bencode.DecodeBytes(list[1], &m.reqID); err != nil {
		return Message{}, fmt.Errorf("failed to decode request id: %w", err)
	}

	var body string
	switch m.typ {
	case "C":
		if len(list) < 4 {
			return Message{}, fmt.Errorf("command message needs 4 elements, got %d", len(list))
		}
		if err := bencode.DecodeBytes(list[2], &m.endpoint); err != nil {
			return Message{}, fmt.Errorf("failed to decode endpoint name: %w", err)
		}
		if err := bencode.DecodeBytes(list[3], &body); err != nil {
			return Message{}, fmt.Errorf("failed to decode body: %w", err)
		}
	case "R", "E":
		if err := bencode.DecodeBytes(list[2], &body); err != nil {
			return Message{}, fmt.Errorf("failed to decode body: %w", err)
		}
		m.isError = m.typ == "E"
	default:
		return Message{}, fmt.Errorf("unknown message type tag %q", m.typ)
	}

	m.body = []byte(body)
	return m, nil
}

// encodeFramed bencodes the given list elements and prepends the
// decimal length prefix.
func encodeFramed(elems []any) ([]byte, error) {
	payload, err := bencode.EncodeBytes(elems)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if len(payload) > MaxReqLen {
		return nil, fmt.Errorf("encoded message of %d bytes exceeds maximum %d",
			len(payload), MaxReqLen)
	}

	framed := make([]byte, 0, len(payload)+maxReqLenEncoded)
	framed = strconv.AppendInt(framed, int64(len(payload)), 10)
	framed = append(framed, ':')
	framed = append(framed, payload...)
	return framed, nil
}

func encodeCommand(id int64, endpoint string, body []byte) ([]byte, error) {
	return encodeFramed([]any{"C", id, endpoint, body})
}

func encodeResponse(id int64, body []byte, isError bool) ([]byte, error) {
	tag := "R"
	if isError {
		tag = "E"
	}
	return encodeFramed([]any{tag, id, body})
}
