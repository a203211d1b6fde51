package client

import (
	"context"
	"math/rand"
	"time"

	"vpntunnelcore/internal/channel"
	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/wire"
)

// channelManagementLoop keeps the Tunnel topped up to max_packet_channels,
// guarded by a try-lock so at most one refill is in flight (spec.md §4.5
// channel management).
func (s *Session) channelManagementLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.refillChannels(ctx)
		}
	}
}

func (s *Session) refillChannels(ctx context.Context) {
	if !s.refillBusy.CompareAndSwap(false, true) {
		return // a refill is already in flight
	}
	defer s.refillBusy.Store(false)

	if s.tun == nil || s.State() != core.SessionConnected {
		return
	}

	if s.hasUDP {
		s.ensureUDPChannel()
		return
	}

	for s.tun.NeedsMoreChannels() {
		if err := s.openStreamChannel(ctx); err != nil {
			core.Log.Warnf("session", "channel refill failed: %v", err)
			return
		}
	}
}

func (s *Session) ensureUDPChannel() {
	if s.tun.ChannelCount() > 0 {
		return // exactly one UDP channel already exists (spec.md §4.3 invariant b)
	}
	if s.udpSend == nil {
		return
	}
	ch := channel.NewUDPPacketChannel(s.sessionID, s.serverSecret, s.udpSend, s.cfg.PacketQueueCapacity, s.tun.ReceiveCallback, s.reporter)
	ch.MarkConnected()
	s.tun.AddChannel(ch)
	go ch.Run(context.Background())
}

// udpSend is set by the transport layer that owns the shared UDP socket;
// left nil means UDP mode was negotiated but no local socket was wired in
// (a configuration error the caller is expected to have ruled out).
func (s *Session) SetUDPSender(send func(datagram []byte) error) {
	s.udpSend = send
}

func (s *Session) openStreamChannel(ctx context.Context) error {
	lifespan := randomLifespanMillis(s.cfg.MinLifespan, s.cfg.MaxLifespan)
	req := wire.TCPPacketChannelRequest{SessionID: s.sessionID, Lifespan: lifespan}
	preventReuse := lifespan > 0

	stream, resp, err := s.conn.OpenChannelStream(ctx, wire.OpTCPPacketChannel, req, preventReuse)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &sessionError{code: resp.ErrorCode}
	}

	ch := channel.NewStreamPacketChannel(stream, s.cfg.PacketQueueCapacity, s.tun.ReceiveCallback, s.reporter, s.cfg.MinLifespan, s.cfg.MaxLifespan)
	ch.MarkConnected()
	s.tun.AddChannel(ch)
	go func() {
		ch.Run(ctx)
		s.conn.ReleaseChannelStream(stream, preventReuse)
	}()
	return nil
}

// randomLifespanMillis picks a random lifespan in [min, max], matching the
// PacketChannel invariant that lifespan is "random in [min_lifespan,
// max_lifespan]" (spec.md §3). A zero max disables lifespan entirely.
func randomLifespanMillis(min, max time.Duration) int64 {
	if max <= 0 {
		return 0
	}
	if max <= min {
		return max.Milliseconds()
	}
	span := (max - min).Milliseconds()
	return min.Milliseconds() + rand.Int63n(span+1)
}

type sessionError struct {
	code wire.ErrorCode
}

func (e *sessionError) Error() string {
	return "session: " + string(e.code)
}
