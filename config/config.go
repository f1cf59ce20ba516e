// Package config loads the daemon's TOML configuration and the
// segment's shared-secret value layered in from the environment.
//
// Grounded directly on a minimal os.ReadFile + toml.Unmarshal config
// loader, with no schema validation beyond what toml.Unmarshal itself
// does. Extended here with the segment and broker sections a DataBlock
// daemon needs in place of a per-exchange credential table, and with
// godotenv-backed secret loading instead of per-exchange API key env
// vars.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// ConfigPathEnv overrides the config file path.
const ConfigPathEnv = "DATABLOCK_CONFIG"

// SecretEnv names the environment variable holding the segment's
// shared-secret value, loaded via godotenv the same way a daemon
// would load any other credential: from an optional .env file, never
// committed to source control.
const SecretEnv = "DATABLOCK_SHARED_SECRET"

// Config is the daemon's top-level configuration document.
type Config struct {
	Segment SegmentConfig `toml:"segment"`
	Broker  BrokerConfig  `toml:"broker"`
	Monitor MonitorConfig `toml:"monitor"`
}

// SegmentConfig carries the layout-defining fields of a segment's
// configuration in their TOML-friendly string form; callers convert
// them into a header.Config (kept out of this package to avoid importing header
// here, since header.Config's enums are declared in terms of the
// header package's own types — callers call header.Config{...} and
// this package only supplies the raw scalars).
type SegmentConfig struct {
	Name               string `toml:"name"`
	RingBufferCapacity uint32 `toml:"ring_buffer_capacity"`
	PhysicalPageSize   uint32 `toml:"physical_page_size"`
	LogicalUnitSize    uint32 `toml:"logical_unit_size"`
	FlexibleZoneSize   uint32 `toml:"flexible_zone_size"`
	Policy             string `toml:"policy"`
	ConsumerSyncPolicy string `toml:"consumer_sync_policy"`
	ChecksumPolicy     string `toml:"checksum_policy"`
	ChecksumEnabled    bool   `toml:"checksum_enabled"`
	SpinlockIndex      int32  `toml:"spinlock_index"`
}

// BrokerConfig is the sideband broker's dial address, consumed by
// package broker.
type BrokerConfig struct {
	Address     string `toml:"address"`
	DialTimeout string `toml:"dial_timeout"`
	Channel     string `toml:"channel"`
}

// MonitorConfig is the read-only diagnostic websocket endpoint.
type MonitorConfig struct {
	ListenAddress string `toml:"listen_address"`
}

// Load reads and parses path, or the path named by ConfigPathEnv if
// path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}

// LoadSharedSecret loads .env files at the given paths (if present,
// ignoring a missing file) and returns the parsed
// DATABLOCK_SHARED_SECRET value. A secret of 0 means "no secret
// configured" — the segment's shared-secret field is optional.
func LoadSharedSecret(envFiles ...string) (uint64, error) {
	if len(envFiles) > 0 {
		_ = godotenv.Load(envFiles...)
	} else {
		_ = godotenv.Load()
	}

	raw := os.Getenv(SecretEnv)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s is not a valid uint64: %w", SecretEnv, err)
	}
	return v, nil
}
