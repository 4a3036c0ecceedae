package wyvern

import (
	"errors"
	"fmt"
)

// Application-visible stream error codes.
const (
	// StreamErrorException is the close code applied to a stream
	// whose application data callback panicked. The connection
	// survives.
	StreamErrorException uint64 = 1<<62 - 32

	// StreamErrorConnectionExpired is the synthetic close code a
	// Stream's close callback receives when its connection was
	// destroyed before the stream closed cleanly.
	StreamErrorConnectionExpired uint64 = 1<<62 - 31
)

// ErrEndpointClosed is returned from operations on an endpoint that
// has shut down.
var ErrEndpointClosed = errors.New("endpoint is closed")

// ErrConnectionClosed is returned from operations on a connection
// that is closing, draining, or gone.
var ErrConnectionClosed = errors.New("connection is closed")

// ErrStreamClosed is returned from sends on a stream whose write
// side has finished or shut down.
var ErrStreamClosed = errors.New("stream is closed")

// ErrSendBlocked signals send-path backpressure: the packet was not
// sent, and the caller will be retried automatically once the socket
// (or, under manual routing, the application via
// [Endpoint.ManualWritable]) reports writability.
var ErrSendBlocked = errors.New("send blocked; will retry when writable")

// SendError reports a non-recoverable socket error on the send path.
// The connection is not torn down for a transient send failure; the
// error surfaces to the send caller.
type SendError struct {
	To  Address
	Err error
}

func (e SendError) Error() string {
	return fmt.Sprintf("failed to send to %v: %v", e.To, e.Err)
}

func (e SendError) Unwrap() error { return e.Err }
