package wbt

import (
	"testing"

	"github.com/gordian-engine/wyvern/internal/wtest"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func TestParseLength(t *testing.T) {
	t.Parallel()

	t.Run("valid prefixes", func(t *testing.T) {
		t.Parallel()

		for _, tc := range []struct {
			in       string
			consumed int
			length   int
		}{
			{in: "1:", consumed: 2, length: 1},
			{in: "35:trailing data", consumed: 3, length: 35},
			{in: "10000000:", consumed: 9, length: 10_000_000},
		} {
			consumed, length, err := parseLength([]byte(tc.in))
			require.NoError(t, err, "input %q", tc.in)
			require.Equal(t, tc.consumed, consumed)
			require.Equal(t, tc.length, length)
		}
	})

	t.Run("incomplete prefixes return zero", func(t *testing.T) {
		t.Parallel()

		for _, in := range []string{"", "1", "12345"} {
			consumed, _, err := parseLength([]byte(in))
			require.NoError(t, err, "input %q", in)
			require.Zero(t, consumed)
		}
	})

	t.Run("invalid prefixes", func(t *testing.T) {
		t.Parallel()

		for _, in := range []string{
			"0:",          // empty message
			"10000001:",   // exceeds MaxReqLen
			"123456789",   // max encoded digits without a colon
			"x5:",         // not decimal
			"-1:",         // not decimal
			"999999999999999999999:", // overflow
		} {
			_, _, err := parseLength([]byte(in))
			require.Error(t, err, "input %q", in)
		}
	})
}

func TestProcessIncoming_SplitAcrossChunks(t *testing.T) {
	t.Parallel()

	rs := &RequestStream{log: wtest.NewLogger(t), commands: make(map[string]Handler)}

	var got []Message
	rs.commands["echo"] = func(m Message) { got = append(got, m) }

	framed, err := encodeCommand(3, "echo", []byte("hello over there"))
	require.NoError(t, err)

	// Deliver one byte at a time: the state machine must accumulate
	// the length prefix and then the body.
	for _, b := range framed {
		require.NoError(t, rs.processIncoming([]byte{b}))
	}

	require.Len(t, got, 1)
	require.Equal(t, "C", got[0].Type())
	require.Equal(t, int64(3), got[0].RID())
	require.Equal(t, "echo", got[0].Endpoint())
	require.Equal(t, []byte("hello over there"), got[0].Body())
}

func TestProcessIncoming_BackToBackMessages(t *testing.T) {
	t.Parallel()

	rs := &RequestStream{log: wtest.NewLogger(t), commands: make(map[string]Handler)}

	var got []Message
	rs.commands["a"] = func(m Message) { got = append(got, m) }
	rs.commands["b"] = func(m Message) { got = append(got, m) }

	m1, err := encodeCommand(0, "a", []byte("one"))
	require.NoError(t, err)
	m2, err := encodeCommand(1, "b", []byte("two"))
	require.NoError(t, err)

	// Both messages in a single chunk.
	require.NoError(t, rs.processIncoming(append(m1, m2...)))

	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Endpoint())
	require.Equal(t, "b", got[1].Endpoint())
}

func TestProcessIncoming_RejectsGarbage(t *testing.T) {
	t.Parallel()

	rs := &RequestStream{log: wtest.NewLogger(t), commands: make(map[string]Handler)}
	require.Error(t, rs.processIncoming([]byte("not a message at all")))
}

func TestParseMessage_Shapes(t *testing.T) {
	t.Parallel()

	t.Run("reply", func(t *testing.T) {
		t.Parallel()

		payload, err := bencode.EncodeBytes([]any{"R", int64(9), []byte("ok")})
		require.NoError(t, err)

		m, err := parseMessage(nil, payload)
		require.NoError(t, err)
		require.Equal(t, "R", m.Type())
		require.Equal(t, int64(9), m.RID())
		require.True(t, m.OK())
	})

	t.Run("error reply", func(t *testing.T) {
		t.Parallel()

		payload, err := bencode.EncodeBytes([]any{"E", int64(9), []byte("no")})
		require.NoError(t, err)

		m, err := parseMessage(nil, payload)
		require.NoError(t, err)
		require.True(t, m.IsError())
		require.False(t, m.OK())
	})

	t.Run("unknown tag", func(t *testing.T) {
		t.Parallel()

		payload, err := bencode.EncodeBytes([]any{"Q", int64(1), []byte("x")})
		require.NoError(t, err)

		_, err = parseMessage(nil, payload)
		require.Error(t, err)
	})

	t.Run("command missing endpoint", func(t *testing.T) {
		t.Parallel()

		payload, err := bencode.EncodeBytes([]any{"C", int64(1), []byte("x")})
		require.NoError(t, err)

		_, err = parseMessage(nil, payload)
		require.Error(t, err)
	})
}

func TestHandleInput_BinarySearchMatch(t *testing.T) {
	t.Parallel()

	rs := &RequestStream{log: wtest.NewLogger(t), commands: make(map[string]Handler)}

	var fired []int64
	for _, id := range []int64{1, 3, 5, 9} {
		rs.sentReqs = append(rs.sentReqs, &sentRequest{
			id: id,
			cb: func(m Message) { fired = append(fired, m.RID()) },
		})
	}

	// A response to an unknown id leaves the deque untouched.
	rs.handleInput(Message{typ: "R", reqID: 4})
	require.Empty(t, fired)
	require.Len(t, rs.sentReqs, 4)

	// A matched response fires exactly once and erases the entry.
	rs.handleInput(Message{typ: "R", reqID: 5})
	require.Equal(t, []int64{5}, fired)
	require.Len(t, rs.sentReqs, 3)

	rs.handleInput(Message{typ: "R", reqID: 5})
	require.Equal(t, []int64{5}, fired, "same id must not fire twice")

	// The deque stays strictly increasing by id.
	for i := 1; i < len(rs.sentReqs); i++ {
		require.Greater(t, rs.sentReqs[i].id, rs.sentReqs[i-1].id)
	}
}
