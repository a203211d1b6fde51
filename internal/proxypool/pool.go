package proxypool

import "time"

// Config parameterizes a ProxyPool (spec.md §4.7, SPEC_FULL ServerConfig).
type Config struct {
	MaxUDPClientCount int
	MaxPingClientCount int
	UDPTimeout        time.Duration
	ICMPTimeout       time.Duration

	OnNewConn     NewConnCallback
	OnEstablished EstablishedCallback
	OnUDPReply    UDPReplyCallback
	OnICMPReply   ICMPReplyCallback
}

// ProxyPool is the server-side NAT described in spec.md §4.7: separate
// UDP and ICMP sub-pools, each mapping a client virtual 5-tuple to an
// ephemeral outbound endpoint on the server's public interface.
type ProxyPool struct {
	UDP  *UDPSubPool
	ICMP *ICMPSubPool
}

// New creates a ProxyPool from cfg, wiring both sub-pools' callbacks.
func New(cfg Config) *ProxyPool {
	udpPool := NewUDPSubPool(cfg.MaxUDPClientCount, cfg.UDPTimeout)
	udpPool.OnNewConn = cfg.OnNewConn
	udpPool.OnEstablished = cfg.OnEstablished
	udpPool.OnReply = cfg.OnUDPReply

	icmpPool := NewICMPSubPool(cfg.MaxPingClientCount, cfg.ICMPTimeout)
	icmpPool.OnNewConn = cfg.OnNewConn
	icmpPool.OnEstablished = cfg.OnEstablished
	icmpPool.OnReply = cfg.OnICMPReply

	return &ProxyPool{UDP: udpPool, ICMP: icmpPool}
}

// Close tears down both sub-pools.
func (p *ProxyPool) Close() {
	p.UDP.Close()
	p.ICMP.Close()
}
