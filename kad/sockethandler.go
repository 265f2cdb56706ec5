package kad

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/bwrega/mldht/nio"
)

// Channel is the datagram endpoint the socket handler drives. Production
// code uses nio.UDPChannel; tests substitute a simulated socket.
type Channel interface {
	// Send reports (0, nil) when the kernel would block and
	// nio.ErrNoBufferSpace on ENOBUFS; both trigger write backoff.
	Send(b []byte, dest netip.AddrPort) (int, error)
	// Receive reports an invalid AddrPort when no datagram is pending.
	Receive(b []byte) (int, netip.AddrPort, error)
	LocalAddr() netip.AddrPort
	FD() int
	IsOpen() bool
	Close() error
}

// ChannelOpener creates the channel at server start.
type ChannelOpener func(bind netip.AddrPort, rcvBuf int) (Channel, error)

func openUDPChannel(bind netip.AddrPort, rcvBuf int) (Channel, error) {
	return nio.OpenUDP(bind, rcvBuf)
}

// writer states; the atomic cell is the mutual exclusion primitive for
// the single socket writer.
const (
	writeStateNotInitialized int32 = iota - 1
	writeStateIdle
	writeStateWriting
	writeStateAwaitingReadiness
	writeStateClosed
)

// socketHandler owns the non-blocking datagram endpoint: a readiness
// driven read loop and a single-writer write state machine draining the
// server's pipeline.
type socketHandler struct {
	server    *Server
	reactor   nio.Reactor
	scheduler nio.Scheduler
	open      ChannelOpener

	channel    Channel
	writeState atomic.Int32
	readBuffer []byte
}

func newSocketHandler(s *Server, reactor nio.Reactor, scheduler nio.Scheduler, open ChannelOpener) *socketHandler {
	h := &socketHandler{
		server:     s,
		reactor:    reactor,
		scheduler:  scheduler,
		open:       open,
		readBuffer: make([]byte, receiveBufferSize),
	}
	h.writeState.Store(writeStateNotInitialized)
	return h
}

func (h *socketHandler) start() error {
	h.server.timeoutFilter.Reset()

	channel, err := h.open(h.server.bind, socketRcvBuf)
	if err != nil {
		return err
	}
	h.channel = channel
	if h.reactor != nil {
		if err := h.reactor.Register(h); err != nil {
			channel.Close()
			return err
		}
	}
	h.writeState.Store(writeStateIdle)
	return nil
}

func (h *socketHandler) close() {
	if h.writeState.Swap(writeStateClosed) == writeStateClosed {
		return
	}
	h.server.Stop()
	if h.reactor != nil {
		h.reactor.Deregister(h)
	}
	if h.channel != nil {
		h.channel.Close()
	}
}

func (h *socketHandler) localAddr() netip.AddrPort {
	if h.channel == nil {
		return netip.AddrPort{}
	}
	return h.channel.LocalAddr()
}

// FD implements nio.Selectable.
func (h *socketHandler) FD() int {
	if h.channel == nil {
		return -1
	}
	return h.channel.FD()
}

func (h *socketHandler) CalcInterestOps() int {
	ops := nio.OpRead
	if h.writeState.Load() == writeStateAwaitingReadiness {
		ops |= nio.OpWrite
	}
	return ops
}

// SelectionEvent runs on the reactor goroutine. Writes are scheduled off
// it first so thread time goes to draining the receive queue.
func (h *socketHandler) SelectionEvent(readable, writable bool) {
	if writable {
		h.writeState.CompareAndSwap(writeStateAwaitingReadiness, writeStateIdle)
		if h.reactor != nil {
			h.reactor.InterestOpsChanged(h)
		}
		h.scheduler.Execute(h.writeEvent)
	}
	if readable {
		h.readEvent()
	}
}

func (h *socketHandler) DoStateChecks(now time.Time) {
	if h.channel != nil && !h.channel.IsOpen() {
		h.close()
	}
}

// readEvent drains the socket. Junk is discarded before any allocation:
// no conceivable DHT message is under 10 bytes, all start with the 'd'
// of a bencoded dictionary, and port 0 cannot be answered.
func (h *socketHandler) readEvent() {
	for {
		n, source, err := h.channel.Receive(h.readBuffer)
		if err != nil {
			return
		}
		if !source.IsValid() {
			return
		}
		if n < 10 || h.readBuffer[0] != 'd' || source.Port() == 0 {
			continue
		}
		if h.server.throttle.IsSpam(source.Addr()) {
			continue
		}

		// the loop buffer is reused; copy before handing off
		packet := make([]byte, n)
		copy(packet, h.readBuffer[:n])

		h.scheduler.Execute(func() { h.server.handlePacket(packet, source) })
		h.server.numReceived.Add(1)
		h.server.stats.AddReceivedBytes(n + h.server.dhtType.HeaderLength)
	}
}

// writeEvent drains the pipeline while holding the writer claim. Anyone
// may attempt the claim; losing it means another writer owns the socket
// and will double-check the pipeline after releasing.
func (h *socketHandler) writeEvent() {
	if !h.writeState.CompareAndSwap(writeStateIdle, writeStateWriting) {
		return
	}

	for {
		es := h.server.pipeline.pop()
		if es == nil {
			break
		}

		buf, err := es.msg.Encode()
		if err == nil && len(buf) > h.server.dhtType.MaxPacketSize {
			err = errors.New("kad: encoded message exceeds maximum packet size")
		}
		if err != nil {
			h.server.logger.Error("encode failed",
				slog.String("message", es.msg.Method().String()),
				slog.Any("error", err))
			if es.call != nil {
				es.call.sendFailed()
			}
			break
		}

		n, err := h.channel.Send(buf, es.msg.Destination())
		if err == nil && n == 0 {
			// kernel send queue full; park until the reactor reports
			// writability. Requeueing at the tail is fine, the
			// protocol guarantees no cross-peer ordering.
			h.server.pipeline.push(es)
			h.writeState.Store(writeStateAwaitingReadiness)
			if h.reactor != nil {
				h.reactor.InterestOpsChanged(h)
			}
			return
		}
		if err != nil {
			if errors.Is(err, nio.ErrNoBufferSpace) {
				h.server.pipeline.push(es)
				h.writeState.Store(writeStateAwaitingReadiness)
				if h.reactor != nil {
					h.reactor.InterestOpsChanged(h)
				}
				return
			}
			if !h.channel.IsOpen() {
				// async close; the reactor will observe and clean up
				return
			}
			h.server.logger.Error("send failed",
				slog.String("dest", es.msg.Destination().String()),
				slog.Any("error", err))
			if es.call != nil {
				es.call.sendFailed()
			}
			break
		}

		if es.call != nil {
			es.call.sent()
		}
		h.server.numSent.Add(1)
		h.server.stats.AddSentMessageToCount(es.msg)
		h.server.stats.AddSentBytes(n + h.server.dhtType.HeaderLength)
		h.server.logger.Debug("RPC sent message",
			slog.String("dest", es.msg.Destination().String()),
			slog.Int("length", n))
	}

	// release the claim on the socket
	h.writeState.CompareAndSwap(writeStateWriting, writeStateIdle)

	// a producer may have raced the release; schedule rather than
	// recurse so stacks stay bounded
	if h.server.pipeline.nonEmpty() {
		h.scheduler.Execute(h.writeEvent)
	}
}
