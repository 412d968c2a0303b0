package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	DefaultP2pPort     = 6116
	DefaultClientPort  = 6117
	DefaultWatermarkHi = 1000
)

// NetworkConfig describes how this replica reaches the rest of the set.
type NetworkConfig struct {
	PID            protocol.ID `json:"pid"`
	P2P            int         `json:"p2p"`
	ClientPort     int         `json:"clientPort"`
	PRIV           string      `json:"priv"` // base64-encoded marshaled libp2p private key
	BootstrapNodes []string    `json:"bootstrapNodes"`
	SeedNodes      []string    `json:"seedNodes"`
	RelayNodes     []string    `json:"relayNodes"`
	DHTServerMode  bool        `json:"dhtServerMode"`
}

// ReplicaConfig describes the replica set this node participates in.
type ReplicaConfig struct {
	N             int   `json:"n"`             // total replica set size
	WatermarkLow  int64 `json:"watermarkLow"`
	WatermarkHigh int64 `json:"watermarkHigh"`
}

// LogConfig mirrors logger.Config so it round-trips through config.json
// alongside everything else.
type LogConfig struct {
	Path    string `json:"path"`
	Level   string `json:"level"`
	Console bool   `json:"console"`
}

// Config is the main node configuration, loaded from (or written to)
// config.json at startup.
type Config struct {
	NetCfg  NetworkConfig `json:"netCfg"`
	Replica ReplicaConfig `json:"replica"`
	Log     LogConfig     `json:"log"`
	VERSION string        `json:"version"`
	VER     int           `json:"ver"`
}

// GenerageConfig loads config.json if present, or generates and persists a
// fresh default configuration (including a new node keypair) otherwise.
// The name preserves the load-or-create shape this node's ambient stack
// has always used.
func GenerageConfig() *Config {
	configFilePath := "config.json"
	if _, err := os.Stat(configFilePath); os.IsNotExist(err) {
		cfg := defaultConfig()
		if err := cfg.WriteConfigToFile(); err != nil {
			panic(err)
		}
		return cfg
	}
	cfg, err := ReadConfig(configFilePath)
	if err != nil {
		panic(err)
	}
	return cfg
}

func defaultConfig() *Config {
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		panic(fmt.Errorf("generate node key: %w", err))
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		panic(fmt.Errorf("marshal node key: %w", err))
	}

	return &Config{
		NetCfg: NetworkConfig{
			PID:        "/ackintosh/pbft/1.0.0",
			P2P:        DefaultP2pPort,
			ClientPort: DefaultClientPort,
			PRIV:       base64.StdEncoding.EncodeToString(raw),
		},
		Replica: ReplicaConfig{
			N:             4,
			WatermarkLow:  0,
			WatermarkHigh: DefaultWatermarkHi,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		VERSION: "ALPHA",
		VER:     1,
	}
}

// PrivateKey decodes and unmarshals the node's libp2p identity key.
func (cfg *Config) PrivateKey() (crypto.PrivKey, error) {
	raw, err := base64.StdEncoding.DecodeString(cfg.NetCfg.PRIV)
	if err != nil {
		return nil, fmt.Errorf("decode node key: %w", err)
	}
	return crypto.UnmarshalPrivateKey(raw)
}

// SetPorts overrides the P2P and client-intake ports and persists the change.
func (cfg *Config) SetPorts(p2p, clientPort int) {
	if p2p > 0 {
		cfg.NetCfg.P2P = p2p
	}
	if clientPort > 0 {
		cfg.NetCfg.ClientPort = clientPort
	}
	cfg.WriteConfigToFile()
}

// SetReplicaSet overrides the replica set size and watermark window.
func (cfg *Config) SetReplicaSet(n int, low, high int64) {
	cfg.Replica.N = n
	cfg.Replica.WatermarkLow = low
	cfg.Replica.WatermarkHigh = high
	cfg.WriteConfigToFile()
}

// CheckVersion reports whether cfg matches the given version marker.
func (cfg *Config) CheckVersion(version string, ver int) bool {
	return cfg.VER == ver && cfg.VERSION == version
}

// GetVersion returns a human-readable version string.
func (cfg *Config) GetVersion() string {
	return fmt.Sprintf("%s-%d_VERSION", cfg.VERSION, cfg.VER)
}

// WriteConfigToFile persists cfg to config.json.
func (cfg *Config) WriteConfigToFile() error {
	fileData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile("config.json", fileData, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ReadConfig loads a Config from the given JSON file path.
func ReadConfig(filePath string) (*Config, error) {
	fileData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config from file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(fileData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
