// Package channel implements the two transports a session's Tunnel can own:
// PacketChannel, a framed carrier for whole IP packets (spec.md §4.1), and
// ProxyChannel, a bidirectional TCP splice (spec.md §4.2).
package channel

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/wire"
)

// ReceiveFunc is invoked with every inbound IP packet a channel decodes.
// Implementations must not block; a slow sink should queue internally.
type ReceiveFunc func(packet []byte)

// Traffic holds cumulative byte counters for a channel or tunnel (spec.md §3).
type Traffic struct {
	Sent     uint64
	Received uint64
}

// PacketChannel carries encrypted IP packets over one transport, either a
// TCP byte-stream or a session's slot on the shared UDP socket (spec.md
// §4.1). Outgoing packets are queued non-blocking; on a full queue the
// newest packet is dropped.
type PacketChannel struct {
	id    string
	kind  core.ChannelKind
	state atomic.Int32 // core.ChannelState

	queue    chan []byte
	receive  ReceiveFunc
	reporter *core.DropReporter

	autoDisposePackets bool

	deadline time.Time // zero means no lifespan
	hasLifespan bool

	sentBytes     atomic.Uint64
	receivedBytes atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}

	// stream-kind fields
	conn io.ReadWriteCloser

	// udp-kind fields
	udpSend      func(datagram []byte) error
	sessionID    uint64
	serverSecret [16]byte
	sendPosition atomic.Uint64
}

// NewStreamPacketChannel wraps conn as a stream-kind PacketChannel. recv is
// called with each decoded IP packet; minLifespan/maxLifespan of zero means
// no lifespan (spec.md §4.1).
func NewStreamPacketChannel(conn io.ReadWriteCloser, queueCapacity int, recv ReceiveFunc, reporter *core.DropReporter, minLifespan, maxLifespan time.Duration) *PacketChannel {
	pc := &PacketChannel{
		id:       core.NewChannelID(),
		kind:     core.ChannelStream,
		queue:    make(chan []byte, queueCapacity),
		receive:  recv,
		reporter: reporter,
		closed:   make(chan struct{}),
		conn:     conn,
	}
	pc.state.Store(int32(core.ChannelConnecting))

	if maxLifespan > 0 {
		lifespan := minLifespan
		if maxLifespan > minLifespan {
			lifespan += time.Duration(rand.Int63n(int64(maxLifespan - minLifespan)))
		}
		pc.hasLifespan = true
		pc.deadline = time.Now().Add(lifespan)
	}

	return pc
}

// NewUDPPacketChannel wraps the shared UDP socket's send path as a
// udp-kind PacketChannel for one session. There is exactly one of these
// per session when UDP mode is active (spec.md §4.3 invariant b).
func NewUDPPacketChannel(sessionID uint64, serverSecret [16]byte, send func(datagram []byte) error, queueCapacity int, recv ReceiveFunc, reporter *core.DropReporter) *PacketChannel {
	pc := &PacketChannel{
		id:           core.NewChannelID(),
		kind:         core.ChannelUDP,
		queue:        make(chan []byte, queueCapacity),
		receive:      recv,
		reporter:     reporter,
		closed:       make(chan struct{}),
		udpSend:      send,
		sessionID:    sessionID,
		serverSecret: serverSecret,
	}
	pc.state.Store(int32(core.ChannelConnecting))
	return pc
}

func (pc *PacketChannel) ID() string          { return pc.id }
func (pc *PacketChannel) Kind() core.ChannelKind { return pc.kind }

func (pc *PacketChannel) State() core.ChannelState {
	return core.ChannelState(pc.state.Load())
}

func (pc *PacketChannel) setState(s core.ChannelState) {
	pc.state.Store(int32(s))
}

func (pc *PacketChannel) MarkConnected() {
	pc.setState(core.ChannelConnected)
}

// Traffic returns a snapshot of the channel's cumulative counters.
func (pc *PacketChannel) Traffic() Traffic {
	return Traffic{Sent: pc.sentBytes.Load(), Received: pc.receivedBytes.Load()}
}

// Send enqueues an outgoing IP packet. It never blocks: if the queue is
// full or the channel isn't connected, the packet is dropped and reported
// (spec.md §4.1 backpressure).
func (pc *PacketChannel) Send(packet []byte) {
	if pc.State() != core.ChannelConnected {
		pc.reporter.Report("channel", core.ErrChannelClosed)
		return
	}
	select {
	case pc.queue <- packet:
	default:
		pc.reporter.Report("channel", core.ErrPacketDrop)
	}
}

// Run drives the channel's I/O loops until ctx is canceled or the channel
// closes itself (lifespan expiry, EOF, or explicit Close). It blocks, so
// callers run it in its own goroutine.
func (pc *PacketChannel) Run(ctx context.Context) {
	switch pc.kind {
	case core.ChannelStream:
		pc.runStream(ctx)
	case core.ChannelUDP:
		pc.runUDPSend(ctx)
	}
}

func (pc *PacketChannel) runStream(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pc.streamWriteLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		pc.streamReadLoop()
	}()

	wg.Wait()
	pc.Close()
}

func (pc *PacketChannel) streamWriteLoop(ctx context.Context) {
	var lifespanCh <-chan time.Time
	if pc.hasLifespan {
		timer := time.NewTimer(time.Until(pc.deadline))
		defer timer.Stop()
		lifespanCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			// Closing unblocks streamReadLoop so runStream can return.
			pc.Close()
			return
		case <-pc.closed:
			return
		case <-lifespanCh:
			pc.beginClosing()
			pc.drainQueue()
			// Closing the connection unblocks streamReadLoop's pending
			// ReadStreamPacket so runStream's wg.Wait() can return and the
			// channel actually reaches closed (spec.md §4.1 lifespan).
			pc.Close()
			return
		case packet, ok := <-pc.queue:
			if !ok {
				return
			}
			if err := wire.WriteStreamPacket(pc.conn, packet); err != nil {
				core.Log.Warnf("channel", "[%s] stream write failed: %v", pc.id, err)
				return
			}
			pc.sentBytes.Add(uint64(len(packet)))
		}
	}
}

// beginClosing transitions a stream channel into closing state: the queue
// keeps draining but Send starts rejecting new packets (spec.md §4.1).
func (pc *PacketChannel) beginClosing() {
	pc.setState(core.ChannelClosing)
}

func (pc *PacketChannel) drainQueue() {
	for {
		select {
		case packet, ok := <-pc.queue:
			if !ok {
				return
			}
			if err := wire.WriteStreamPacket(pc.conn, packet); err != nil {
				return
			}
			pc.sentBytes.Add(uint64(len(packet)))
		default:
			return
		}
	}
}

func (pc *PacketChannel) streamReadLoop() {
	for {
		packet, err := wire.ReadStreamPacket(pc.conn)
		if err != nil {
			return
		}
		pc.receivedBytes.Add(uint64(len(packet)))
		pc.dispatchReceive(packet)
	}
}

// dispatchReceive hands a decoded packet to the owner's callback. Per
// spec.md §4.1, the callback must not block the reader; PacketChannel
// trusts callers to honor that (the Tunnel's fan-in is itself
// non-blocking).
func (pc *PacketChannel) dispatchReceive(packet []byte) {
	if pc.receive == nil {
		return
	}
	pc.receive(packet)
}

// runUDPSend drains the send queue onto the shared UDP socket. Receiving
// is driven externally: the socket's single reader dispatches inbound
// datagrams to the right session's DeliverUDP by session_id (spec.md §4.1).
func (pc *PacketChannel) runUDPSend(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			pc.Close()
			return
		case <-pc.closed:
			return
		case packet, ok := <-pc.queue:
			if !ok {
				return
			}
			position := pc.sendPosition.Add(1)
			datagram, err := wire.EncodeUDPPacket(pc.sessionID, pc.serverSecret, position, packet)
			if err != nil {
				pc.reporter.Report("channel", core.ErrPacketDrop)
				continue
			}
			if err := pc.udpSend(datagram); err != nil {
				pc.reporter.Report("channel", core.ErrPacketDrop)
				continue
			}
			pc.sentBytes.Add(uint64(len(packet)))
		}
	}
}

// DeliverUDP is called by the shared socket's reader once a datagram has
// been matched to this channel's session and decrypted.
func (pc *PacketChannel) DeliverUDP(packet []byte) {
	pc.receivedBytes.Add(uint64(len(packet)))
	pc.dispatchReceive(packet)
}

// Close transitions the channel to closed, after which it accepts no
// packets and emits none (spec.md §4.1 invariant, §8 invariant).
func (pc *PacketChannel) Close() {
	pc.closeOnce.Do(func() {
		pc.setState(core.ChannelClosed)
		close(pc.closed)
		if pc.conn != nil {
			pc.conn.Close()
		}
	})
}
