// Package config defines the typed configuration tree for dpc-core and
// loads it from YAML. Omitted fields keep their documented defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document for a dpc-core node.
type Config struct {
	Identity   IdentityConfig   `yaml:"identity"`
	Network    NetworkConfig    `yaml:"network"`
	DHT        DHTConfig        `yaml:"dht"`
	HolePunch  HolePunchConfig  `yaml:"hole_punch"`
	Relay      RelayConfig      `yaml:"relay"`
	Gossip     GossipConfig     `yaml:"gossip"`
	Strategies StrategiesConfig `yaml:"strategies"`
	STUNTURN   STUNTURNConfig   `yaml:"stun_turn,omitempty"`
	PeerCache  PeerCacheConfig  `yaml:"peer_cache,omitempty"`
}

// IdentityConfig locates the persistent node key and certificate.
type IdentityConfig struct {
	KeyFile  string `yaml:"key_file"`
	CertFile string `yaml:"cert_file"`
}

// NetworkConfig controls the dual-stack TLS listener.
type NetworkConfig struct {
	// Mode is one of "ipv4", "ipv6", or "dual".
	Mode              string        `yaml:"mode"`
	ListenPort        int           `yaml:"listen_port"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// DHTConfig configures the Kademlia DHT substrate.
type DHTConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Port              int           `yaml:"port"`
	K                 int           `yaml:"k"`
	Alpha             int           `yaml:"alpha"`
	SubnetDiversity   int           `yaml:"subnet_diversity_limit"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	BucketRefresh     time.Duration `yaml:"bucket_refresh_interval"`
	BootstrapTimeout  time.Duration `yaml:"bootstrap_timeout"`
	BootstrapRetry    time.Duration `yaml:"bootstrap_retry_interval"`
	LookupTimeout     time.Duration `yaml:"lookup_timeout"`
	AnnounceInterval  time.Duration `yaml:"announce_interval"`
	MaintenanceTick   time.Duration `yaml:"maintenance_interval"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	RPCMaxRetries     int           `yaml:"rpc_max_retries"`
	RateLimitPerMin   int           `yaml:"rate_limit_per_minute"`
	MaxPacketSize     int           `yaml:"max_packet_size"`
	Seeds             []string      `yaml:"seeds"`
}

// HolePunchConfig configures the reflexive discovery / hole-punch substrate.
type HolePunchConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Port             int           `yaml:"port"`
	DiscoveryPeers   int           `yaml:"discovery_peers"`
	FreshnessWindow  time.Duration `yaml:"freshness_window"`
	SyncDelay        time.Duration `yaml:"sync_delay"`
	PunchTimeout     time.Duration `yaml:"punch_timeout"`
	DTLSEnabled      bool          `yaml:"dtls_enabled"`
	HandshakeTimeout time.Duration `yaml:"dtls_handshake_timeout"`
}

// RelayConfig configures both the relay client and the volunteer server.
type RelayConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Volunteer        bool          `yaml:"volunteer"`
	Port             int           `yaml:"port"`
	MaxPeers         int           `yaml:"max_peers"`
	Region           string        `yaml:"region"`
	BandwidthLimit   int           `yaml:"bandwidth_limit_mbps"`
	CacheTimeout     time.Duration `yaml:"cache_timeout"`
	RegisterTimeout  time.Duration `yaml:"register_timeout"`
	MsgRatePerSecond int           `yaml:"message_rate_per_second"`
	StaleAfter       time.Duration `yaml:"stale_after"`
}

// GossipConfig configures the epidemic store-and-forward substrate.
type GossipConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxHops         int           `yaml:"max_hops"`
	Fanout          int           `yaml:"fanout"`
	TTL             time.Duration `yaml:"ttl"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	DefaultPriority string        `yaml:"default_priority"`
	ReceivePoll     time.Duration `yaml:"receive_poll_timeout"`
}

// StrategyConfig is per-strategy tuning shared by all six connection strategies.
type StrategyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// StrategiesConfig groups per-strategy settings plus the orchestrator's
// overall deadline.
type StrategiesConfig struct {
	OverallTimeout    time.Duration  `yaml:"overall_timeout"`
	IPv6Direct        StrategyConfig `yaml:"ipv6_direct"`
	IPv4Direct        StrategyConfig `yaml:"ipv4_direct"`
	HubWebRTC         StrategyConfig `yaml:"hub_webrtc"`
	UDPHolePunch      StrategyConfig `yaml:"udp_hole_punch"`
	VolunteerRelay    StrategyConfig `yaml:"volunteer_relay"`
	GossipStoreForward StrategyConfig `yaml:"gossip_store_forward"`
}

// STUNTURNConfig lists ICE servers for the hub_webrtc strategy.
type STUNTURNConfig struct {
	STUNServers []string     `yaml:"stun_servers"`
	TURNServers []TURNServer `yaml:"turn_servers,omitempty"`
}

// TURNServer is a single TURN relay with credentials, optionally sourced from
// the environment (see LoadTURNCredentialsFromEnv).
type TURNServer struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username,omitempty"`
	Credential string `yaml:"credential,omitempty"`
	// CredentialEnv / UsernameEnv name environment variables to read the
	// actual secret from at load time, so credentials never need to live in
	// the YAML file on disk.
	UsernameEnv   string `yaml:"username_env,omitempty"`
	CredentialEnv string `yaml:"credential_env,omitempty"`
}

// PeerCacheConfig configures the persistent last-known-endpoint cache.
type PeerCacheConfig struct {
	Path          string        `yaml:"path"`
	RecentWindow  time.Duration `yaml:"recent_window"`
	CleanupMaxAge time.Duration `yaml:"cleanup_max_age"`
}

// Default returns a Config populated with every documented default.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Mode:              "dual",
			ListenPort:        8888,
			ConnectionTimeout: 30 * time.Second,
		},
		DHT: DHTConfig{
			Enabled:          true,
			Port:             8889,
			K:                20,
			Alpha:            3,
			SubnetDiversity:  2,
			StaleThreshold:   15 * time.Minute,
			BucketRefresh:    time.Hour,
			BootstrapTimeout: 30 * time.Second,
			BootstrapRetry:   5 * time.Minute,
			LookupTimeout:    10 * time.Second,
			AnnounceInterval: time.Hour,
			MaintenanceTick:  60 * time.Second,
			RPCTimeout:       5 * time.Second,
			RPCMaxRetries:    3,
			RateLimitPerMin:  100,
			MaxPacketSize:    8192,
		},
		HolePunch: HolePunchConfig{
			Enabled:          true,
			Port:             8890,
			DiscoveryPeers:   3,
			FreshnessWindow:  5 * time.Minute,
			SyncDelay:        5 * time.Second,
			PunchTimeout:     12 * time.Second,
			DTLSEnabled:      true,
			HandshakeTimeout: 3 * time.Second,
		},
		Relay: RelayConfig{
			Enabled:          true,
			Volunteer:        false,
			Port:             8891,
			MaxPeers:         10,
			Region:           "global",
			CacheTimeout:     5 * time.Minute,
			RegisterTimeout:  20 * time.Second,
			MsgRatePerSecond: 100,
			StaleAfter:       5 * time.Minute,
		},
		Gossip: GossipConfig{
			Enabled:         true,
			MaxHops:         5,
			Fanout:          3,
			TTL:             24 * time.Hour,
			SyncInterval:    5 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			DefaultPriority: "normal",
			ReceivePoll:     30 * time.Second,
		},
		Strategies: StrategiesConfig{
			OverallTimeout:     30 * time.Second,
			IPv6Direct:         StrategyConfig{Enabled: true, Timeout: 10 * time.Second},
			IPv4Direct:         StrategyConfig{Enabled: true, Timeout: 10 * time.Second},
			HubWebRTC:          StrategyConfig{Enabled: true, Timeout: 30 * time.Second},
			UDPHolePunch:       StrategyConfig{Enabled: true, Timeout: 15 * time.Second},
			VolunteerRelay:     StrategyConfig{Enabled: true, Timeout: 20 * time.Second},
			GossipStoreForward: StrategyConfig{Enabled: true, Timeout: 5 * time.Second},
		},
		STUNTURN: STUNTURNConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		PeerCache: PeerCacheConfig{
			Path:          "peer_cache.json",
			RecentWindow:  168 * time.Hour,
			CleanupMaxAge: 30 * 24 * time.Hour,
		},
	}
}

// Load reads and unmarshals a YAML configuration file, applying Default()
// first so any field omitted from the file keeps its documented default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadTURNCredentialsFromEnv resolves UsernameEnv/CredentialEnv into the
// Username/Credential fields for every configured TURN server, in place.
func (c *STUNTURNConfig) LoadTURNCredentialsFromEnv() {
	for i := range c.TURNServers {
		t := &c.TURNServers[i]
		if t.UsernameEnv != "" {
			if v := os.Getenv(t.UsernameEnv); v != "" {
				t.Username = v
			}
		}
		if t.CredentialEnv != "" {
			if v := os.Getenv(t.CredentialEnv); v != "" {
				t.Credential = v
			}
		}
	}
}
