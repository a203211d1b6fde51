package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files write "30s" instead of a
// raw integer nanosecond count, mirroring the FallbackPolicy string-enum
// convention the split-tunnel config uses for all non-numeric YAML fields.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// EnvConfig holds the runtime environment described in spec.md §6: a token
// storage path plus the booleans that shape client packet dispatch.
type EnvConfig struct {
	StoragePath        string `yaml:"storage_path"`
	EnableUDPChannel   bool   `yaml:"enable_udp_channel,omitempty"`
	DropUDP            bool   `yaml:"drop_udp,omitempty"`
	DropQUIC           bool   `yaml:"drop_quic,omitempty"`
	UseTCPOverTun      bool   `yaml:"use_tcp_over_tun,omitempty"`
	IncludeLocalNetwork bool  `yaml:"include_local_network,omitempty"`
}

// ClientConfig is the top-level client configuration (spec.md §4.4, §4.5).
type ClientConfig struct {
	Env     EnvConfig `yaml:"env,inline"`
	Logging LogConfig `yaml:"logging,omitempty"`

	UserAgent string `yaml:"user_agent,omitempty"`

	// TokenFile points at the provisioning file issued out of band
	// (spec.md §3 AccessToken) that the client loads on startup.
	TokenFile string `yaml:"token_file,omitempty"`

	MinProtocolVersion int  `yaml:"min_protocol_version,omitempty"`
	MaxProtocolVersion int  `yaml:"max_protocol_version,omitempty"`
	IsIPv6Supported    bool `yaml:"is_ipv6_supported,omitempty"`
	AllowRedirect      bool `yaml:"allow_redirect,omitempty"`

	// Timeouts driving the client state machine (spec.md §4.5) and
	// Connector (spec.md §4.4).
	ReconnectTimeout   Duration `yaml:"reconnect_timeout,omitempty"`
	SessionTimeout     Duration `yaml:"session_timeout,omitempty"`
	AutoWaitTimeout    Duration `yaml:"auto_wait_timeout,omitempty"`
	DefaultPeriod      Duration `yaml:"default_period,omitempty"`
	TCPReuseTimeout    Duration `yaml:"tcp_reuse_timeout,omitempty"`
	RequestTimeout     Duration `yaml:"request_timeout,omitempty"`
	ByeTimeout         Duration `yaml:"bye_timeout,omitempty"`
	ServerQueryTimeout Duration `yaml:"server_query_timeout,omitempty"`

	// PacketQueueCapacity bounds each PacketChannel's outgoing queue
	// (spec.md §4.1).
	PacketQueueCapacity int `yaml:"packet_queue_capacity,omitempty"`

	// TCPBufferSize sizes ProxyChannel's per-direction splice buffers
	// (spec.md §4.2).
	TCPBufferSize int `yaml:"tcp_buffer_size,omitempty"`

	// MinLifespan/MaxLifespan bound the random stream-channel lifespan
	// (spec.md §4.1).
	MinLifespan Duration `yaml:"min_lifespan,omitempty"`
	MaxLifespan Duration `yaml:"max_lifespan,omitempty"`

	// DebuggerAttached relaxes RequestTimeout/ByeTimeout (spec.md §4.4, §4.5).
	DebuggerAttached bool `yaml:"debugger_attached,omitempty"`
}

// DefaultClientConfig returns the spec's suggested defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReconnectTimeout:    Duration(15 * time.Second),
		SessionTimeout:      Duration(5 * time.Minute),
		AutoWaitTimeout:     Duration(6 * time.Second),
		DefaultPeriod:       Duration(30 * time.Second),
		TCPReuseTimeout:     Duration(60 * time.Second),
		RequestTimeout:      Duration(10 * time.Second),
		ByeTimeout:          Duration(2 * time.Second),
		ServerQueryTimeout:  Duration(5 * time.Second),
		PacketQueueCapacity: 512,
		TCPBufferSize:       32 * 1024,
		MinLifespan:         Duration(5 * time.Minute),
		MaxLifespan:         Duration(15 * time.Minute),
		MinProtocolVersion:  1,
		MaxProtocolVersion:  1,
	}
}

// ServerConfig is the top-level server configuration (spec.md §4.6, §4.7).
type ServerConfig struct {
	Env     EnvConfig `yaml:"env,inline"`
	Logging LogConfig `yaml:"logging,omitempty"`

	MaxTCPChannelCount     int      `yaml:"max_tcp_channel_count,omitempty"`
	MaxTCPConnectWaitCount int      `yaml:"max_tcp_connect_wait_count,omitempty"`
	MaxUDPClientCount      int      `yaml:"max_udp_client_count,omitempty"`
	MaxPingClientCount     int      `yaml:"max_ping_client_count,omitempty"`
	UDPTimeout             Duration `yaml:"udp_timeout,omitempty"`
	ICMPTimeout            Duration `yaml:"icmp_timeout,omitempty"`

	NetScanLimit    int      `yaml:"net_scan_limit,omitempty"`
	NetScanWindow   Duration `yaml:"net_scan_window,omitempty"`

	PacketQueueCapacity int `yaml:"packet_queue_capacity,omitempty"`
	TCPBufferSize       int `yaml:"tcp_buffer_size,omitempty"`

	MinLifespan Duration `yaml:"min_lifespan,omitempty"`
	MaxLifespan Duration `yaml:"max_lifespan,omitempty"`

	// ListenAddr/UDPListenAddr are the shared TLS control+channel port and
	// the UDP packet port (spec.md §4.4, §4.1 invariant b).
	ListenAddr    string `yaml:"listen_addr,omitempty"`
	UDPListenAddr string `yaml:"udp_listen_addr,omitempty"`
	TLSCertFile   string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile    string `yaml:"tls_key_file,omitempty"`

	MinProtocolVersion int `yaml:"min_protocol_version,omitempty"`
	MaxProtocolVersion int `yaml:"max_protocol_version,omitempty"`

	MTU                   int `yaml:"mtu,omitempty"`
	MaxPacketChannelCount int `yaml:"max_packet_channel_count,omitempty"`

	// VirtualNetworkV4/V6 are the CIDR ranges the IPAllocator hands out
	// virtual addresses from (spec.md §3 Session virtual_ip_v4/v6).
	VirtualNetworkV4 string `yaml:"virtual_network_v4,omitempty"`
	VirtualNetworkV6 string `yaml:"virtual_network_v6,omitempty"`

	IncludeIPRanges []string `yaml:"include_ip_ranges,omitempty"`
	DNSServers      []string `yaml:"dns_servers,omitempty"`

	IdleSessionTimeout Duration `yaml:"idle_session_timeout,omitempty"`
}

// DefaultServerConfig returns the spec's suggested defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxTCPChannelCount:     64,
		MaxTCPConnectWaitCount: 32,
		MaxUDPClientCount:      4096,
		MaxPingClientCount:     1024,
		UDPTimeout:             Duration(2 * time.Minute),
		ICMPTimeout:            Duration(30 * time.Second),
		NetScanLimit:           200,
		NetScanWindow:          Duration(10 * time.Second),
		PacketQueueCapacity:    512,
		TCPBufferSize:          32 * 1024,
		MinLifespan:            Duration(5 * time.Minute),
		MaxLifespan:            Duration(15 * time.Minute),
		ListenAddr:             ":8443",
		UDPListenAddr:          ":8443",
		MinProtocolVersion:     1,
		MaxProtocolVersion:     1,
		MTU:                    1400,
		MaxPacketChannelCount:  8,
		VirtualNetworkV4:       "10.255.0.0/16",
		IdleSessionTimeout:     Duration(10 * time.Minute),
	}
}

// ClientConfigManager handles loading, saving, and in-memory caching of a
// client configuration file, mirroring the teacher's ConfigManager
// (internal/core/config.go): read-modify-write under a lock, writing out
// defaults on first run instead of failing cold.
type ClientConfigManager struct {
	mu       sync.RWMutex
	config   ClientConfig
	filePath string
	bus      *EventBus
}

// NewClientConfigManager creates a manager that reads from filePath.
func NewClientConfigManager(filePath string, bus *EventBus) *ClientConfigManager {
	return &ClientConfigManager{filePath: filePath, bus: bus}
}

// Load reads and parses the config from disk, writing DefaultClientConfig
// if the file does not exist yet.
func (cm *ClientConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			cm.mu.Lock()
			cm.config = DefaultClientConfig()
			cm.mu.Unlock()
			return cm.Save()
		}
		return fmt.Errorf("[core] read config %s: %w", cm.filePath, err)
	}

	cfg := DefaultClientConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[core] parse config %s: %w", cm.filePath, err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

// Save writes the current configuration to disk.
func (cm *ClientConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[core] marshal config: %w", err)
	}
	return os.WriteFile(cm.filePath, data, 0o644)
}

// Get returns a copy of the current configuration.
func (cm *ClientConfigManager) Get() ClientConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ServerConfigManager is ClientConfigManager's server-side counterpart.
type ServerConfigManager struct {
	mu       sync.RWMutex
	config   ServerConfig
	filePath string
	bus      *EventBus
}

// NewServerConfigManager creates a manager that reads from filePath.
func NewServerConfigManager(filePath string, bus *EventBus) *ServerConfigManager {
	return &ServerConfigManager{filePath: filePath, bus: bus}
}

// Load reads and parses the config from disk, writing DefaultServerConfig
// if the file does not exist yet.
func (cm *ServerConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			cm.mu.Lock()
			cm.config = DefaultServerConfig()
			cm.mu.Unlock()
			if err := cm.Save(); err != nil {
				return err
			}
			if cm.bus != nil {
				cm.bus.Publish(Event{Type: EventConfigReloaded})
			}
			return nil
		}
		return fmt.Errorf("[core] read config %s: %w", cm.filePath, err)
	}

	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[core] parse config %s: %w", cm.filePath, err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

// Save writes the current configuration to disk.
func (cm *ServerConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[core] marshal config: %w", err)
	}
	return os.WriteFile(cm.filePath, data, 0o644)
}

// Get returns a copy of the current configuration.
func (cm *ServerConfigManager) Get() ServerConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}
