// Command vpntunnel-server runs the server side of the tunnel protocol:
// it accepts the shared TLS control+channel port, drains the UDP packet
// socket, and authorizes sessions against a file-backed AccessManager.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"vpntunnelcore/internal/access"
	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/proxypool"
	"vpntunnelcore/internal/session/server"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "server.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vpntunnel-server %s (commit=%s)\n", version, commit)
		return
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("[Core] Fatal: %v", err)
	}
}

func run(configPath string) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	bus := core.NewEventBus()

	cfgManager := core.NewServerConfigManager(configPath, bus)
	if err := cfgManager.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()

	core.Log = core.NewLogger(cfg.Logging)
	core.Log.Infof("Core", "vpntunnel-server %s starting...", version)

	if cfg.Env.StoragePath == "" {
		return fmt.Errorf("env.storage_path is required")
	}
	accessMgr, err := access.NewFileManager(cfg.Env.StoragePath)
	if err != nil {
		return fmt.Errorf("open access storage: %w", err)
	}

	v4Prefix, err := netip.ParsePrefix(cfg.VirtualNetworkV4)
	if err != nil {
		return fmt.Errorf("parse virtual_network_v4 %q: %w", cfg.VirtualNetworkV4, err)
	}
	var v6Base netip.Addr
	if cfg.VirtualNetworkV6 != "" {
		v6Prefix, err := netip.ParsePrefix(cfg.VirtualNetworkV6)
		if err != nil {
			return fmt.Errorf("parse virtual_network_v6 %q: %w", cfg.VirtualNetworkV6, err)
		}
		v6Base = v6Prefix.Masked().Addr()
	}
	ipAllocator := server.NewIPAllocator(v4Prefix.Masked().Addr(), 1<<(32-v4Prefix.Bits())-2, v6Base)

	reporter := core.NewDropReporter(10 * time.Second)

	// registry is assigned below; the pool's reply callbacks close over it
	// so they can route replies back to the session that opened the flow.
	var registry *server.Registry

	pool := proxypool.New(proxypool.Config{
		MaxUDPClientCount:  cfg.MaxUDPClientCount,
		MaxPingClientCount: cfg.MaxPingClientCount,
		UDPTimeout:         time.Duration(cfg.UDPTimeout),
		ICMPTimeout:        time.Duration(cfg.ICMPTimeout),
		OnEstablished: func(sessionID uint64, dst netip.AddrPort) {
			core.Log.Debugf("ProxyPool", "session %d established %s", sessionID, dst)
		},
		OnUDPReply: func(sessionID uint64, key proxypool.UDPFlowKey, payload []byte) {
			if s, ok := registry.Get(sessionID); ok {
				s.DeliverUDPReply(key, payload)
			}
		},
		OnICMPReply: func(sessionID uint64, key proxypool.ICMPFlowKey, payload []byte) {
			if s, ok := registry.Get(sessionID); ok {
				s.DeliverICMPReply(key, payload)
			}
		},
	})
	defer pool.Close()

	sessionCfg := server.Config{
		MaxTCPChannelCount:     cfg.MaxTCPChannelCount,
		MaxTCPConnectWaitCount: cfg.MaxTCPConnectWaitCount,
		NetScanLimit:           cfg.NetScanLimit,
		NetScanWindow:          time.Duration(cfg.NetScanWindow),
		PacketQueueCapacity:    cfg.PacketQueueCapacity,
		MinProtocolVersion:     cfg.MinProtocolVersion,
		MaxProtocolVersion:     cfg.MaxProtocolVersion,
		Pool:                   pool,
		IncludeIPRanges:        cfg.IncludeIPRanges,
		DNSServers:             cfg.DNSServers,
		Reporter:               reporter,
	}

	registry = server.NewRegistry(server.RegistryConfig{
		SessionConfig:         sessionCfg,
		Access:                accessMgr,
		IPs:                   ipAllocator,
		MTU:                   cfg.MTU,
		MaxPacketChannelCount: cfg.MaxPacketChannelCount,
		ProtocolVersion:       cfg.MaxProtocolVersion,
		UDPPort:               udpPort(cfg.UDPListenAddr),
		IncludeIPRanges:       cfg.IncludeIPRanges,
		DNSServers:            cfg.DNSServers,
	})

	handler := server.NewHandler(server.HandlerConfig{
		Registry:            registry,
		PacketQueueCapacity: cfg.PacketQueueCapacity,
		TCPBufferSize:       cfg.TCPBufferSize,
		MinLifespan:         time.Duration(cfg.MinLifespan),
		MaxLifespan:         time.Duration(cfg.MaxLifespan),
		Reporter:            reporter,
	})

	tlsCfg, err := loadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("load TLS material: %w", err)
	}
	ln, err := tls.Listen("tcp", cfg.ListenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	defer ln.Close()

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.UDPListenAddr)
	if err != nil {
		return fmt.Errorf("resolve udp addr %s: %w", cfg.UDPListenAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", cfg.UDPListenAddr, err)
	}
	defer udpConn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go handler.ServeUDP(ctx, udpConn)
	go sweepLoop(ctx, registry, time.Duration(cfg.IdleSessionTimeout))

	core.Log.Infof("Core", "listening on %s (tls) / %s (udp)", cfg.ListenAddr, cfg.UDPListenAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- handler.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		core.Log.Infof("Core", "shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func sweepLoop(ctx context.Context, registry *server.Registry, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Sweep(idleTimeout)
		}
	}
}

func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("tls_cert_file and tls_key_file are required")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func udpPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return port
}
