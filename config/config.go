// Package config loads the parsed configuration record the cluster
// synchronization core expects. Loading is JSON, with an environment
// variable that selects the default path, in the manner of
// cppla-moto/config/setting.go's MOTO_CONFIG override.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// EnvConfigPath, when set and no explicit path is given, names the config
// file to load.
const EnvConfigPath = "CLUSTERSYNC_CONFIG"

// Mode mirrors spec.md §6's SyncMode config values (distinct from the
// in-process cluster.SyncMode enum, which config.Mode maps onto).
type Mode string

const (
	ModeTCP       Mode = "TCP"
	ModeUDP       Mode = "UDP"
	ModeSerial    Mode = "SERIAL"
	ModeMagic     Mode = "MAGIC"
	ModeTCPSerial Mode = "TCP_SERIAL"
	ModeParallel  Mode = "PARALLEL"
	ModeMulticast Mode = "MULTICAST"
	ModeMPI       Mode = "MPI"
)

// Process mirrors spec.md §6's SyncProcess config values.
type Process string

const (
	ProcessApp  Process = "APP"
	ProcessDraw Process = "DRAW"
)

// Multicast holds the 20 reliable-multicast sub-keys from spec.md §4.1.2.
type Multicast struct {
	DebugLevel           int     `json:"debugLevel"`
	Address              string  `json:"address"`
	Port                 int     `json:"port"`
	Interface            string  `json:"interface"`
	MTU                  int     `json:"mtu"`
	TTL                  int     `json:"ttl"`
	Loopback             bool    `json:"loopback"`
	BufferSpace          int     `json:"bufferSpace"`
	BlockSize            int     `json:"blockSize"`
	ParityCount          int     `json:"parityCount"`
	TxCacheSize          int     `json:"txCacheSize"`
	TxCacheMin           int     `json:"txCacheMin"`
	TxCacheMax           int     `json:"txCacheMax"`
	TxRate               int     `json:"txRate"`
	BackOffFactor        float64 `json:"backOffFactor"`
	SocketBufferSize     int     `json:"socketBufferSize"`
	ClientReadTimeoutSec int     `json:"clientReadTimeoutSec"`
	ServerWriteTimeoutMs int     `json:"serverWriteTimeoutMs"`
	RetryTimeoutMs       int     `json:"retryTimeoutMs"`
	MaxLength            int     `json:"maxLength"` // default 1 MiB, see spec.md §4.1.2
}

// Config is the configuration record the Controller is constructed from.
type Config struct {
	SyncMode       Mode      `json:"syncMode"`
	SyncProcess    Process   `json:"syncProcess"`
	NumSlaves      int       `json:"numSlaves"`
	SerialDevice   string    `json:"serialDevice"`
	ParallelDevice string    `json:"parallelDevice"`
	Statistics     bool      `json:"statistics"`
	Multicast      Multicast `json:"multicast"`
}

const dfltMaxLength = 1 << 20 // 1 MiB, spec.md §4.1.2 default

// Default returns a Config with spec.md §6's documented defaults:
// SyncMode=TCP, SyncProcess=DRAW.
func Default() *Config {
	return &Config{
		SyncMode:    ModeTCP,
		SyncProcess: ProcessDraw,
		Multicast:   Multicast{MaxLength: dfltMaxLength},
	}
}

// Load reads and parses the config file at path, filling defaults for any
// fields the file leaves zero. An empty path falls back to EnvConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	if c.SyncMode == "" {
		c.SyncMode = ModeTCP
	}
	if c.SyncProcess == "" {
		c.SyncProcess = ProcessDraw
	}
	if c.Multicast.MaxLength <= 0 {
		c.Multicast.MaxLength = dfltMaxLength
	}
}

func (c *Config) Validate() error {
	if c.NumSlaves < 0 {
		return fmt.Errorf("config: NumSlaves must be >= 0, got %d", c.NumSlaves)
	}
	switch c.SyncMode {
	case ModeTCP, ModeUDP, ModeSerial, ModeMagic, ModeTCPSerial, ModeParallel, ModeMulticast, ModeMPI:
	default:
		return fmt.Errorf("config: unknown SyncMode %q", c.SyncMode)
	}
	switch c.SyncProcess {
	case ProcessApp, ProcessDraw:
	default:
		return fmt.Errorf("config: unknown SyncProcess %q", c.SyncProcess)
	}
	return nil
}
