package wyvern

import (
	"fmt"
	"log/slog"
)

// DataCallback receives ordered stream bytes on the loop goroutine.
// The data slice is only valid for the duration of the call.
type DataCallback func(s *Stream, data []byte)

// CloseCallback fires exactly once per stream, with the stream's
// application close code.
type CloseCallback func(s *Stream, code uint64)

// ChunkProducer supplies the next chunk for [Stream.SendChunks],
// or nil data to indicate end of stream.
type ChunkProducer func() (data []byte, err error)

// segment is one queued send buffer: a byte view plus the opaque
// owner that keeps the view valid until the bytes are acknowledged.
type segment struct {
	data      []byte
	keepAlive any

	fromProducer bool
}

// Stream is one ordered, reliable bidirectional byte stream on a
// [Connection].
//
// A Stream buffers outbound bytes until the engine reports them
// acknowledged; inbound bytes are delivered to the data callback in
// order. All callbacks run on the loop goroutine.
type Stream struct {
	log *slog.Logger

	// Borrowed for the stream's lifetime,
	// which is strictly shorter than the connection's.
	conn *Connection

	// Everything below is loop-goroutine state.

	// Stream id; -1 until the engine admits the stream.
	id int64

	segs    []segment
	unacked int

	ready      bool
	isClosing  bool
	isShutdown bool
	sentFIN    bool

	// FIN requested once the queued bytes drain.
	wantFIN bool

	closeFired bool

	dataCB  DataCallback
	closeCB CloseCallback

	// Chunked producer state.
	producer     ChunkProducer
	producerDone func(*Stream)
	parallelism  int
	inFlight     int

	wm watermark
}

// watermark tracks an optional unacked-size threshold callback.
type watermark struct {
	high, low int
	onHigh    func(*Stream)
	onLow     func(*Stream)
	persist   bool

	// Above-high latch so the low callback fires on the way down
	// only after the high fired on the way up.
	engaged bool
}

func newStream(c *Connection, dataCB DataCallback, closeCB CloseCallback) *Stream {
	return &Stream{
		log:     c.log.With("sys", "stream"),
		conn:    c,
		id:      -1,
		dataCB:  dataCB,
		closeCB: closeCB,
	}
}

// ID is the QUIC stream id, or -1 while the stream is awaiting
// admission in the pending queue.
func (s *Stream) ID() int64 {
	id, _ := loopGet(s.conn.loop, func() (int64, error) { return s.id, nil })
	return id
}

// Conn is the owning connection.
func (s *Stream) Conn() *Connection { return s.conn }

// Send appends data to the stream's send buffer and signals
// io-readiness. keepAlive, if given, is retained until the bytes are
// acknowledged, guaranteeing the view stays valid.
//
// Send returns [ErrStreamClosed] if the write side already finished.
func (s *Stream) Send(data []byte, keepAlive ...any) error {
	if len(data) == 0 {
		return nil
	}

	var owner any
	if len(keepAlive) > 0 {
		owner = keepAlive[0]
	}

	_, err := loopGet(s.conn.loop, func() (struct{}, error) {
		return struct{}{}, s.append(segment{data: data, keepAlive: owner})
	})
	return err
}

// append queues one segment. Loop goroutine only.
func (s *Stream) append(seg segment) error {
	if s.isClosing || s.isShutdown || s.sentFIN || s.wantFIN {
		return ErrStreamClosed
	}

	s.segs = append(s.segs, seg)

	if s.ready {
		s.conn.ioReady()
	}
	// Not yet admitted: the pending-queue drain signals readiness.
	return nil
}

// SendChunks pulls chunks from producer, keeping up to parallelism
// of them queued at once. When the producer returns nil data, the
// stream's FIN is scheduled and done (if non-nil) fires.
//
// A producer error closes the stream with [StreamErrorException].
func (s *Stream) SendChunks(producer ChunkProducer, done func(*Stream), parallelism int) error {
	if parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive (got %d)", parallelism)
	}

	_, err := loopGet(s.conn.loop, func() (struct{}, error) {
		if s.producer != nil {
			return struct{}{}, fmt.Errorf("stream already has an active chunk producer")
		}
		if s.isClosing || s.isShutdown || s.sentFIN || s.wantFIN {
			return struct{}{}, ErrStreamClosed
		}

		s.producer = producer
		s.producerDone = done
		s.parallelism = parallelism
		s.pullChunks()
		return struct{}{}, nil
	})
	return err
}

// pullChunks refills the queue from the producer. Loop goroutine
// only.
func (s *Stream) pullChunks() {
	for s.producer != nil && s.inFlight < s.parallelism {
		data, err := s.producer()
		if err != nil {
			s.log.Warn("Chunk producer failed; closing stream", "err", err)
			s.producer = nil
			s.producerDone = nil
			s.closeOnLoop(StreamErrorException)
			return
		}
		if data == nil {
			// End of stream.
			done := s.producerDone
			s.producer = nil
			s.producerDone = nil
			s.wantFIN = true
			if s.ready {
				s.conn.ioReady()
			}
			if done != nil {
				done(s)
			}
			return
		}

		s.inFlight++
		s.segs = append(s.segs, segment{data: data, fromProducer: true})
	}

	if s.ready && len(s.segs) > 0 {
		s.conn.ioReady()
	}
}

// Close requests shutdown of the stream with the given application
// error code. It is idempotent and callable from any goroutine; the
// close callback fires exactly once.
func (s *Stream) Close(code uint64) {
	s.conn.loop.Call(func() { s.closeOnLoop(code) })
}

// CloseWhenDrained schedules a clean FIN once the queued bytes are
// sent, instead of an abrupt shutdown.
func (s *Stream) CloseWhenDrained() {
	s.conn.loop.Call(func() {
		if s.isClosing || s.isShutdown || s.sentFIN || s.wantFIN {
			return
		}
		s.wantFIN = true
		if s.ready {
			s.conn.ioReady()
		}
	})
}

// closeOnLoop is the loop-goroutine close path.
func (s *Stream) closeOnLoop(code uint64) {
	if s.isClosing {
		return
	}
	s.isClosing = true
	s.isShutdown = true

	if s.id >= 0 {
		s.conn.shutdownStream(s.id, code)
	} else {
		// Never admitted; close locally.
		s.conn.dropPendingStream(s, code)
	}
}

// SetDataCallback replaces the stream's data callback, typically from
// an OnStreamOpened hook installing a protocol layer.
func (s *Stream) SetDataCallback(cb DataCallback) {
	s.conn.loop.Call(func() { s.dataCB = cb })
}

// SetCloseCallback replaces the stream's close callback.
func (s *Stream) SetCloseCallback(cb CloseCallback) {
	s.conn.loop.Call(func() { s.closeCB = cb })
}

// SetWatermark installs a high/low unacked-size callback pair.
// With persist false the callbacks fire at most once each; otherwise
// they re-arm every time the buffer crosses back.
func (s *Stream) SetWatermark(low, high int, onLow, onHigh func(*Stream), persist bool) {
	s.conn.loop.Call(func() {
		s.wm = watermark{
			high:    high,
			low:     low,
			onHigh:  onHigh,
			onLow:   onLow,
			persist: persist,
		}
	})
}

// Unsent reports the number of queued bytes not yet handed to the
// engine.
func (s *Stream) Unsent() int {
	n, _ := loopGet(s.conn.loop, func() (int, error) { return s.unsent(), nil })
	return n
}

// Everything below runs only on the loop goroutine.

func (s *Stream) queuedBytes() int {
	n := 0
	for _, seg := range s.segs {
		n += len(seg.data)
	}
	return n
}

func (s *Stream) unsent() int {
	return s.queuedBytes() - s.unacked
}

func (s *Stream) hasUnsent() bool {
	return s.unsent() > 0 || (s.wantFIN && !s.sentFIN)
}

// pending returns the unsent tail of the buffer for the engine to
// consume: the byte views past the first unacked bytes.
func (s *Stream) pending() [][]byte {
	skip := s.unacked
	var out [][]byte
	for _, seg := range s.segs {
		if skip >= len(seg.data) {
			skip -= len(seg.data)
			continue
		}
		out = append(out, seg.data[skip:])
		skip = 0
	}
	return out
}

// wrote records that the engine handed n more bytes to packets.
func (s *Stream) wrote(n int) {
	if n == 0 {
		return
	}
	s.unacked += n

	if s.wm.onHigh != nil && !s.wm.engaged && s.unacked >= s.wm.high {
		s.wm.engaged = true
		cb := s.wm.onHigh
		if !s.wm.persist {
			s.wm.onHigh = nil
		}
		cb(s)
	}
}

// acknowledge releases n acked bytes from the front of the buffer.
func (s *Stream) acknowledge(n int) {
	if n > s.unacked {
		panic(fmt.Errorf(
			"BUG: ack of %d bytes exceeds %d unacked", n, s.unacked,
		))
	}

	s.unacked -= n

	for n > 0 {
		seg := &s.segs[0]
		if n < len(seg.data) {
			// Partially consumed front segment: advance the view,
			// keeping the owner alive for the remainder.
			seg.data = seg.data[n:]
			break
		}

		n -= len(seg.data)
		if seg.fromProducer {
			s.inFlight--
		}
		seg.keepAlive = nil
		s.segs = s.segs[1:]
	}
	if len(s.segs) == 0 {
		s.segs = nil
	}

	if s.wm.onLow != nil && s.wm.engaged && s.unacked <= s.wm.low {
		s.wm.engaged = false
		cb := s.wm.onLow
		if !s.wm.persist {
			s.wm.onLow = nil
		}
		cb(s)
	}

	s.pullChunks()
}

// deliver hands inbound bytes to the data callback, translating a
// callback panic into a stream shutdown that the connection
// survives.
func (s *Stream) deliver(data []byte, fin bool) (err error) {
	if s.dataCB == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("Stream data callback panicked", "id", s.id, "panic", r)
			err = fmt.Errorf("stream data callback panicked: %v", r)
		}
	}()

	s.dataCB(s, data)
	_ = fin
	return nil
}

// closed fires the close callback exactly once.
func (s *Stream) closed(code uint64) {
	s.isClosing = true
	s.isShutdown = true

	if s.closeFired {
		return
	}
	s.closeFired = true

	if s.closeCB != nil {
		s.closeCB(s, code)
	}
}
