package wyvern

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"

	"github.com/gordian-engine/wyvern/wloop"
	"github.com/gordian-engine/wyvern/wquic"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// sendBatchSize is how many packets one batched send hands to the
// kernel at once (the GSO-style segmented send).
const sendBatchSize = 8

// recvBatchSize is how many datagrams one receive syscall may return.
const recvBatchSize = 8

// maxRecvPayload bounds one inbound UDP payload.
const maxRecvPayload = 65527

// sendResult reports the outcome of one batched send.
//
// Blocked signals backpressure: unsent packets were shifted to the
// front, and the caller should register a writable continuation and
// retry. Err reports any other socket error; the connection is not
// torn down for a transient send failure.
type sendResult struct {
	Sent    int
	Blocked bool
	Err     error
}

func (r sendResult) OK() bool { return !r.Blocked && r.Err == nil }

// batchConn is the face shared by the ipv4 and ipv6 batch I/O
// wrappers.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
	SetECN(ecn wquic.ECN) error
}

type batchConn4 struct{ *ipv4.PacketConn }

func (c batchConn4) SetECN(ecn wquic.ECN) error { return c.SetTOS(int(ecn)) }

type batchConn6 struct{ *ipv6.PacketConn }

func (c batchConn6) ReadBatch(ms []ipv4.Message, flags int) (int, error) {
	return c.PacketConn.ReadBatch(ms, flags)
}

func (c batchConn6) WriteBatch(ms []ipv4.Message, flags int) (int, error) {
	return c.PacketConn.WriteBatch(ms, flags)
}

func (c batchConn6) SetECN(ecn wquic.ECN) error { return c.SetTrafficClass(int(ecn)) }

// socket owns one bound, non-blocking UDP socket and its receive
// goroutine. Inbound datagrams are posted to the loop through the
// onPacket callback; outbound batches go through sendPackets.
type socket struct {
	log  *slog.Logger
	loop *wloop.Loop

	uc  *net.UDPConn
	bc  batchConn
	raw syscall.RawConn

	local Address

	onPacket func(wquic.Packet)

	// Loop-goroutine state: deferred-writable continuations,
	// coalesced into a single OS-level writable notification.
	waiters []func()
	polling bool

	lastECN wquic.ECN

	recvDone chan struct{}
}

// newSocket binds local and starts the receive goroutine.
// onPacket is invoked on the loop goroutine, one call per datagram.
func newSocket(
	log *slog.Logger,
	loop *wloop.Loop,
	local Address,
	onPacket func(wquic.Packet),
) (*socket, error) {
	uc, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(local.AddrPort))
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket on %v: %w", local, err)
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		_ = uc.Close()
		return nil, fmt.Errorf("failed to access raw UDP socket: %w", err)
	}

	bound := uc.LocalAddr().(*net.UDPAddr).AddrPort()

	s := &socket{
		log:  log,
		loop: loop,

		uc:  uc,
		raw: raw,

		local: Address{AddrPort: bound},

		onPacket: onPacket,

		recvDone: make(chan struct{}),
	}

	if bound.Addr().Is4() || bound.Addr().Is4In6() {
		s.bc = batchConn4{ipv4.NewPacketConn(uc)}
	} else {
		s.bc = batchConn6{ipv6.NewPacketConn(uc)}
	}

	go s.receive()

	return s, nil
}

// LocalAddr is the actually bound local address,
// with the OS-assigned port resolved.
func (s *socket) LocalAddr() Address { return s.local }

// receive reads datagram batches until the socket closes,
// posting each batch to the loop.
func (s *socket) receive() {
	defer close(s.recvDone)

	msgs := make([]ipv4.Message, recvBatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, maxRecvPayload)}
	}

	for {
		n, err := s.bc.ReadBatch(msgs, 0)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("UDP receive failed", "err", err)
			continue
		}

		pkts := make([]wquic.Packet, 0, n)
		for _, m := range msgs[:n] {
			remote, ok := addrOf(m.Addr)
			if !ok {
				continue
			}

			// The message buffers are reused across batches,
			// so the payload escapes by copy.
			data := make([]byte, m.N)
			copy(data, m.Buffers[0][:m.N])

			pkts = append(pkts, wquic.Packet{
				Path: Path{Local: s.local, Remote: remote},
				Data: data,
			})
		}

		if len(pkts) == 0 {
			continue
		}

		s.loop.CallSoon(func() {
			for _, p := range pkts {
				s.onPacket(p)
			}
		})
	}
}

func addrOf(a net.Addr) (Address, bool) {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return Address{}, false
	}
	ap := ua.AddrPort()
	if ap.Addr().Is4In6() {
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return Address{AddrPort: ap}, true
}

// sendPackets sends bufs to dest as one segmented batch.
//
// On partial success the unsent packets are shifted to the front of
// bufs and the result reports how many went out; Blocked means none
// of the remainder could be sent without waiting.
func (s *socket) sendPackets(dest Address, bufs [][]byte, ecn wquic.ECN) sendResult {
	if len(bufs) == 0 {
		return sendResult{}
	}

	if ecn != s.lastECN {
		if err := s.bc.SetECN(ecn); err != nil {
			s.log.Warn("Failed to set ECN codepoint", "ecn", ecn, "err", err)
		} else {
			s.lastECN = ecn
		}
	}

	addr := net.UDPAddrFromAddrPort(dest.AddrPort)

	msgs := make([]ipv4.Message, len(bufs))
	for i, b := range bufs {
		msgs[i].Buffers = [][]byte{b}
		msgs[i].Addr = addr
	}

	sent := 0
	for sent < len(msgs) {
		n, err := s.bc.WriteBatch(msgs[sent:], 0)
		if n > 0 {
			sent += n
		}
		if err == nil {
			continue
		}

		// Shift the unsent tail to the front for the caller's retry.
		copy(bufs, bufs[sent:])

		if isBlockedErr(err) {
			return sendResult{Sent: sent, Blocked: true}
		}
		return sendResult{Sent: sent, Err: SendError{To: dest, Err: err}}
	}

	return sendResult{Sent: sent}
}

func isBlockedErr(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// awaitWritable registers f to run on the loop once the socket is
// writable again. Multiple waiters coalesce into a single OS-level
// notification.
//
// Loop goroutine only.
func (s *socket) awaitWritable(f func()) {
	s.waiters = append(s.waiters, f)
	if s.polling {
		return
	}
	s.polling = true

	go func() {
		// RawConn.Write parks the goroutine in the runtime poller
		// until the fd is write-ready, without issuing a send.
		polled := false
		err := s.raw.Write(func(fd uintptr) bool {
			if polled {
				return true
			}
			polled = true
			return false
		})
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("Writable poll failed", "err", err)
		}

		s.loop.CallSoon(s.notifyWritable)
	}()
}

// notifyWritable drains the waiter queue. Loop goroutine only.
func (s *socket) notifyWritable() {
	s.polling = false

	waiters := s.waiters
	s.waiters = nil
	for _, f := range waiters {
		f()
	}
}

// close shuts the socket down and joins the receive goroutine.
func (s *socket) close() {
	if err := s.uc.Close(); err != nil {
		s.log.Warn("Error closing UDP socket", "err", err)
	}
	<-s.recvDone
}
