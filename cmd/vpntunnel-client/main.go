// Command vpntunnel-client runs the client side of the tunnel protocol: it
// loads a provisioning token, brings up a Session, and pumps packets
// between the local TUN adapter and the session's dispatch path.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/session/client"
	"vpntunnelcore/internal/tunif"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "client.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vpntunnel-client %s (commit=%s)\n", version, commit)
		return
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("[Core] Fatal: %v", err)
	}
}

func run(configPath string) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	bus := core.NewEventBus()

	cfgManager := core.NewClientConfigManager(configPath, bus)
	if err := cfgManager.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()

	core.Log = core.NewLogger(cfg.Logging)
	core.Log.Infof("Core", "vpntunnel-client %s starting...", version)

	if cfg.TokenFile == "" {
		return fmt.Errorf("token_file is required")
	}
	token, err := loadToken(cfg.TokenFile)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}

	dev, err := openTUNDevice("vpntunnel0", defaultMTU)
	if err != nil {
		return fmt.Errorf("open TUN device: %w", err)
	}
	defer dev.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sessCfg := client.Config{
		Env:                 cfg.Env,
		ClientID:            deriveClientID(token.ID),
		UserAgent:           cfg.UserAgent,
		MinProtocolVersion:  cfg.MinProtocolVersion,
		MaxProtocolVersion:  cfg.MaxProtocolVersion,
		IsIPv6Supported:     cfg.IsIPv6Supported,
		UseUDPChannel:       cfg.Env.EnableUDPChannel,
		AllowRedirect:       cfg.AllowRedirect,
		ReconnectTimeout:    time.Duration(cfg.ReconnectTimeout),
		SessionTimeout:      time.Duration(cfg.SessionTimeout),
		AutoWaitTimeout:     time.Duration(cfg.AutoWaitTimeout),
		DefaultPeriod:       time.Duration(cfg.DefaultPeriod),
		TCPReuseTimeout:     time.Duration(cfg.TCPReuseTimeout),
		RequestTimeout:      time.Duration(cfg.RequestTimeout),
		ByeTimeout:          time.Duration(cfg.ByeTimeout),
		ServerQueryTimeout:  time.Duration(cfg.ServerQueryTimeout),
		PacketQueueCapacity: cfg.PacketQueueCapacity,
		TCPBufferSize:       cfg.TCPBufferSize,
		MinLifespan:         time.Duration(cfg.MinLifespan),
		MaxLifespan:         time.Duration(cfg.MaxLifespan),
		DebuggerAttached:    cfg.DebuggerAttached,
		ConnectionInfoPath:  connectionInfoPath(cfg),
		ToTUN: func(packet []byte) {
			if err := dev.WritePacket(context.Background(), packet); err != nil {
				core.Log.Warnf("TUN", "write: %v", err)
			}
		},
		// LocalTCPHost and LocalUDPICMPProxy hand off to the raw socket
		// factory/local proxy host named in spec.md §1's Non-goals; this
		// binary only wires the dispatch boundary, not that collaborator.
		LocalTCPHost: func(packet []byte) {
			core.Log.Debugf("dispatch", "dropping %d bytes bound for local TCP host (unimplemented out-of-scope collaborator)", len(packet))
		},
		LocalUDPICMPProxy: func(packet []byte) {
			core.Log.Debugf("dispatch", "dropping %d bytes bound for local UDP/ICMP proxy (unimplemented out-of-scope collaborator)", len(packet))
		},
	}

	sess := client.New(sessCfg, token, bus)

	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	core.Log.Infof("Core", "session %d connected", sess.SessionID())

	go tunReadLoop(ctx, dev, sess)

	<-ctx.Done()
	core.Log.Infof("Core", "shutting down")
	sess.Bye(context.Background())
	sess.Dispose()
	return nil
}

func tunReadLoop(ctx context.Context, dev tunif.Device, sess *client.Session) {
	for {
		pkt, err := dev.ReadPacket(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				core.Log.Warnf("TUN", "read: %v", err)
				continue
			}
		}
		sess.DispatchRawPacket(pkt)
	}
}

// defaultMTU seeds the local TUN adapter; the server's hello response is
// the authority for the tunnel's actual negotiated MTU (spec.md §4.5).
const defaultMTU = 1400

func connectionInfoPath(cfg core.ClientConfig) string {
	if cfg.Env.StoragePath == "" {
		return ""
	}
	return cfg.Env.StoragePath + "/connection_info.json"
}

// clientToken is the on-disk provisioning format the operator issues out
// of band (spec.md §1 Non-goals: "the token file storage" is an external
// collaborator; this is just the shape this client reads).
type clientToken struct {
	ID                string   `json:"id"`
	SecretB64         string   `json:"secret_b64"`
	Candidates        []string `json:"candidates"`
	HostName          string   `json:"host_name"`
	PinnedCertHashB64 string   `json:"pinned_cert_hash_b64"`
	AdRequirement     string   `json:"ad_requirement,omitempty"`
}

func loadToken(path string) (client.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return client.Token{}, err
	}
	var raw clientToken
	if err := json.Unmarshal(data, &raw); err != nil {
		return client.Token{}, fmt.Errorf("parse token file: %w", err)
	}

	secret, err := decodeFixed16(raw.SecretB64)
	if err != nil {
		return client.Token{}, fmt.Errorf("decode secret: %w", err)
	}
	pinned, err := decodeFixed32(raw.PinnedCertHashB64)
	if err != nil {
		return client.Token{}, fmt.Errorf("decode pinned_cert_hash: %w", err)
	}

	candidates := make([]netip.AddrPort, 0, len(raw.Candidates))
	for _, c := range raw.Candidates {
		ap, err := netip.ParseAddrPort(c)
		if err != nil {
			return client.Token{}, fmt.Errorf("parse candidate %q: %w", c, err)
		}
		candidates = append(candidates, ap)
	}

	return client.Token{
		ID:             raw.ID,
		Secret:         secret,
		Candidates:     candidates,
		HostName:       raw.HostName,
		PinnedCertHash: pinned,
		AdRequirement:  core.ParseAdRequirement(raw.AdRequirement),
	}, nil
}

func decodeFixed16(s string) ([16]byte, error) {
	var out [16]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 16 {
		return out, fmt.Errorf("want 16 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func decodeFixed32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// deriveClientID derives a stable per-installation client id from the
// token id, standing in for the persisted random client id spec.md §6
// describes the environment as owning.
func deriveClientID(tokenID string) [16]byte {
	sum := sha256.Sum256([]byte(tokenID))
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}
