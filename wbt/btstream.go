package wbt

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/gordian-engine/wyvern"
	"github.com/gordian-engine/wyvern/wloop"
)

// MaxReqLen is the largest accepted message body, 10 MB.
const MaxReqLen = 10_000_000

// maxReqLenEncoded is the most bytes a valid length prefix can
// occupy, colon included. Seeing this many without a colon means the
// input is garbage.
const maxReqLenEncoded = 9

// DefaultTimeout is how long a request waits for its response before
// the callback fires with a timeout message.
const DefaultTimeout = 10 * time.Second

// timeoutSweepInterval is how often outstanding requests are checked
// for expiry.
const timeoutSweepInterval = 250 * time.Millisecond

// CodeParserException is the application close code applied to a
// stream that carried a malformed message.
const CodeParserException uint64 = 1<<60 + 69

// ErrClosed is returned from requests on a closed stream.
var ErrClosed = errors.New("bt request stream is closed")

// Handler processes one inbound command; it may reply through
// [Message.Respond], immediately or later.
type Handler func(Message)

// ResponseCallback fires exactly once per request, with either the
// peer's response or a timeout message.
type ResponseCallback func(Message)

// Config is the configuration for a [RequestStream].
//
// The zero value is valid.
type Config struct {
	// Timeout for outstanding requests.
	// Zero means [DefaultTimeout].
	Timeout time.Duration

	// OnClosed fires when the underlying stream closes,
	// with its application close code.
	OnClosed func(*RequestStream, uint64)
}

// RequestStream is the request/response protocol state bound to one
// stream.
//
// All callbacks run on the connection's loop goroutine; public
// methods may be called from any goroutine.
type RequestStream struct {
	log *slog.Logger

	s    *wyvern.Stream
	loop *wloop.Loop

	cfg Config

	// Everything below is loop-goroutine state.

	// Outstanding requests, sorted by id (ids are allocated
	// monotonically, so appends keep the order).
	sentReqs []*sentRequest

	nextID int64

	commands map[string]Handler

	// Parser state: the partial length prefix, the partial message
	// body, and the decoded length of the message being accumulated.
	sizeBuf    []byte
	msgBuf     []byte
	currentLen int

	sweep *wloop.Ticker

	closed bool
}

// sentRequest is an outstanding request awaiting its response.
type sentRequest struct {
	id     int64
	cb     ResponseCallback
	expiry time.Time
}

func (r *sentRequest) expired(now time.Time) bool {
	return r.expiry.Before(now)
}

// Open creates a new stream on conn speaking the request protocol.
func Open(log *slog.Logger, conn *wyvern.Connection, cfg Config) (*RequestStream, error) {
	rs := newRequestStream(log, conn.Loop(), cfg)

	s, err := conn.OpenStream(rs.receive, rs.streamClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to open request stream: %w", err)
	}
	rs.bind(s)
	return rs, nil
}

// Adopt attaches the request protocol to an existing stream,
// typically a peer-initiated one from an OnStreamOpened hook.
// It replaces the stream's data and close callbacks.
func Adopt(log *slog.Logger, s *wyvern.Stream, cfg Config) *RequestStream {
	rs := newRequestStream(log, s.Conn().Loop(), cfg)
	s.SetDataCallback(rs.receive)
	s.SetCloseCallback(rs.streamClosed)
	rs.bind(s)
	return rs
}

func newRequestStream(log *slog.Logger, loop *wloop.Loop, cfg Config) *RequestStream {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &RequestStream{
		log: log.With("sys", "btstream"),

		loop: loop,

		cfg: cfg,

		commands: make(map[string]Handler),
	}
}

func (rs *RequestStream) bind(s *wyvern.Stream) {
	rs.s = s
	rs.sweep = rs.loop.CallEvery(timeoutSweepInterval, rs.checkTimeouts)
}

// Stream is the underlying wyvern stream.
func (rs *RequestStream) Stream() *wyvern.Stream { return rs.s }

// RegisterCommand installs the handler for an endpoint name.
func (rs *RequestStream) RegisterCommand(endpoint string, h Handler) {
	rs.loop.Call(func() { rs.commands[endpoint] = h })
}

// Request sends a command to the peer. If cb is non-nil it fires
// exactly once: with the response, or with a timeout message after
// the configured timeout.
func (rs *RequestStream) Request(endpoint string, body []byte, cb ResponseCallback) error {
	_, err := wloop.CallGet(rs.loop, func() (struct{}, error) {
		if rs.closed {
			return struct{}{}, ErrClosed
		}

		id := rs.nextID
		rs.nextID++

		payload, err := encodeCommand(id, endpoint, body)
		if err != nil {
			return struct{}{}, err
		}

		if cb != nil {
			rs.sentReqs = append(rs.sentReqs, &sentRequest{
				id:     id,
				cb:     cb,
				expiry: rs.loop.Now().Add(rs.cfg.Timeout),
			})
		}

		return struct{}{}, rs.s.Send(payload)
	})
	return err
}

// Close closes the underlying stream with the given code.
func (rs *RequestStream) Close(code uint64) {
	rs.loop.Call(func() { rs.closeOnLoop(code) })
}

// Everything below runs only on the loop goroutine.

// respond posts a reply for the given request id.
// A closed stream makes this a no-op, matching the weak owner
// reference the message capability carries.
func (rs *RequestStream) respond(id int64, body []byte, isError bool) error {
	payload, err := encodeResponse(id, body, isError)
	if err != nil {
		return err
	}

	rs.loop.Call(func() {
		if rs.closed {
			return
		}
		if err := rs.s.Send(payload); err != nil {
			rs.log.Warn("Failed to send response", "rid", id, "err", err)
		}
	})
	return nil
}

func (rs *RequestStream) closeOnLoop(code uint64) {
	if rs.closed {
		return
	}
	rs.closed = true
	rs.sweep.Stop()

	rs.s.Close(code)
	rs.failOutstanding()
}

// streamClosed is the underlying stream's close callback.
func (rs *RequestStream) streamClosed(_ *wyvern.Stream, code uint64) {
	rs.closed = true
	rs.sweep.Stop()
	rs.failOutstanding()

	if rs.cfg.OnClosed != nil {
		rs.cfg.OnClosed(rs, code)
	}
}

// failOutstanding fires every waiting callback with a timeout
// message, so cancellation still delivers exactly one call each.
func (rs *RequestStream) failOutstanding() {
	reqs := rs.sentReqs
	rs.sentReqs = nil
	for _, r := range reqs {
		r.cb(Message{reqID: r.id, typ: "E", timedOut: true})
	}
}

// checkTimeouts walks expired requests off the front of the deque.
// Ids are monotonic and expiries identical, so the front is always
// the earliest.
func (rs *RequestStream) checkTimeouts() {
	now := rs.loop.Now()

	for len(rs.sentReqs) > 0 && rs.sentReqs[0].expired(now) {
		r := rs.sentReqs[0]
		rs.sentReqs = rs.sentReqs[1:]

		rs.log.Debug("Request timed out", "rid", r.id)
		r.cb(Message{reqID: r.id, typ: "E", timedOut: true})
	}
}

// receive is the underlying stream's data callback.
func (rs *RequestStream) receive(_ *wyvern.Stream, data []byte) {
	if rs.closed {
		return
	}

	if err := rs.processIncoming(data); err != nil {
		rs.log.Warn("Malformed message; closing stream", "err", err)
		rs.closeOnLoop(CodeParserException)
	}
}

// processIncoming drives the parsing state machine over one chunk:
// accumulate a length prefix, then the message body, dispatch, and
// continue with any trailing bytes.
func (rs *RequestStream) processIncoming(req []byte) error {
	for len(req) > 0 {
		if rs.currentLen == 0 {
			if len(rs.sizeBuf) > 0 {
				prev := len(rs.sizeBuf)
				take := min(len(req), maxReqLenEncoded)
				rs.sizeBuf = append(rs.sizeBuf, req[:take]...)

				consumed, length, err := parseLength(rs.sizeBuf)
				if err != nil {
					return err
				}
				if consumed == 0 {
					return nil
				}

				rs.currentLen = length
				rs.sizeBuf = nil
				req = req[consumed-prev:]
			} else {
				consumed, length, err := parseLength(req)
				if err != nil {
					return err
				}
				if consumed == 0 {
					rs.sizeBuf = append(rs.sizeBuf, req...)
					return nil
				}

				rs.currentLen = length
				req = req[consumed:]
			}
			continue
		}

		if len(rs.msgBuf)+len(req) >= rs.currentLen {
			// Enough for a complete message; whatever trails it is
			// the start of the next one.
			need := rs.currentLen - len(rs.msgBuf)
			rs.msgBuf = append(rs.msgBuf, req[:need]...)
			req = req[need:]

			msg, err := parseMessage(rs, rs.msgBuf)
			if err != nil {
				return err
			}

			rs.msgBuf = nil
			rs.currentLen = 0

			rs.handleInput(msg)
			continue
		}

		if cap(rs.msgBuf) < rs.currentLen {
			grown := make([]byte, len(rs.msgBuf), rs.currentLen)
			copy(grown, rs.msgBuf)
			rs.msgBuf = grown
		}
		rs.msgBuf = append(rs.msgBuf, req...)
		return nil
	}
	return nil
}

// handleInput matches responses against the sent-request deque by
// binary search, and dispatches commands to their registered
// handlers.
func (rs *RequestStream) handleInput(msg Message) {
	if msg.typ == "R" || msg.typ == "E" {
		i := sort.Search(len(rs.sentReqs), func(i int) bool {
			return rs.sentReqs[i].id >= msg.reqID
		})
		if i < len(rs.sentReqs) && rs.sentReqs[i].id == msg.reqID {
			r := rs.sentReqs[i]
			rs.sentReqs = append(rs.sentReqs[:i], rs.sentReqs[i+1:]...)
			r.cb(msg)
			return
		}

		rs.log.Debug("Response matched no outstanding request", "rid", msg.reqID)
		return
	}

	if h, ok := rs.commands[msg.endpoint]; ok {
		h(msg)
		return
	}
	rs.log.Debug("Command for unregistered endpoint", "endpoint", msg.endpoint)
}

// parseLength parses a length prefix from the front of req.
//
// It returns (0, 0, nil) when no colon is visible yet and the input
// may still grow into a valid prefix, the consumed byte count
// (colon included) and the length on success, and an error for
// garbage: too many digits without a colon, a non-decimal prefix, a
// zero length, or a length over [MaxReqLen].
func parseLength(req []byte) (consumed, length int, err error) {
	pos := bytes.IndexByte(req, ':')
	if pos < 0 {
		if len(req) >= maxReqLenEncoded {
			return 0, 0, fmt.Errorf(
				"no length prefix in %d bytes: invalid encoding or message too large",
				len(req),
			)
		}
		return 0, 0, nil
	}

	v, err := strconv.ParseUint(string(req[:pos]), 10, 63)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid length prefix: %w", err)
	}
	if v == 0 {
		return 0, 0, errors.New("invalid empty message")
	}
	if v > MaxReqLen {
		return 0, 0, fmt.Errorf("message length %d exceeds maximum %d", v, MaxReqLen)
	}

	return pos + 1, int(v), nil
}
