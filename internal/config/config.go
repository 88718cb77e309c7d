package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ligustah/fecget/pkg/erasure"
)

// Config defines configuration for fecget.
type Config struct {
	Download DownloadConfig `yaml:"download"`
	Network  NetworkConfig  `yaml:"network"`
	Storage  StorageConfig  `yaml:"storage"`
	Erasure  ErasureConfig  `yaml:"erasure"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DownloadConfig controls a single transfer.
type DownloadConfig struct {
	ChunkSize              ByteSize      `yaml:"chunk_size"`
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads"`
	MaxSpeed               ByteSize      `yaml:"max_speed"` // per second, 0 = unlimited
	Timeout                time.Duration `yaml:"timeout"`
	RetryCount             int           `yaml:"retry_count"`
	RetryBackoff           time.Duration `yaml:"retry_backoff"`
	MaxReassignments       int           `yaml:"max_reassignments"`
	Verify                 bool          `yaml:"verify"`
}

// NetworkConfig controls shared network behavior.
type NetworkConfig struct {
	MaxBandwidth ByteSize      `yaml:"max_bandwidth"` // per second, 0 = unlimited
	Port         int           `yaml:"port"`
	Window       time.Duration `yaml:"window"`
	ProbeSize    ByteSize      `yaml:"probe_size"`
	ProbeTTL     time.Duration `yaml:"probe_ttl"`
}

// StorageConfig defines local paths.
type StorageConfig struct {
	DownloadPath string `yaml:"download_path"`
	TempPath     string `yaml:"temp_path"`
}

// ErasureConfig defines the code used when publishing.
type ErasureConfig struct {
	DataShards   int      `yaml:"data_shards"`
	ParityShards int      `yaml:"parity_shards"`
	BlockSize    ByteSize `yaml:"block_size"`
}

// LoggingConfig defines the log sink.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // text or json
	File        string `yaml:"file"`
	MaxSize     int    `yaml:"max_size"` // megabytes before rotation
	BackupCount int    `yaml:"backup_count"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Download: DownloadConfig{
			ChunkSize:              1 << 20, // 1MiB
			MaxConcurrentDownloads: 4,
			Timeout:                30 * time.Second,
			RetryCount:             3,
			RetryBackoff:           time.Second,
			MaxReassignments:       3,
			Verify:                 true,
		},
		Network: NetworkConfig{
			Port:      8080,
			Window:    10 * time.Second,
			ProbeSize: 1 << 20,
			ProbeTTL:  300 * time.Second,
		},
		Storage: StorageConfig{
			DownloadPath: "downloads",
			TempPath:     filepath.Join(os.TempDir(), "fecget"),
		},
		Erasure: ErasureConfig{
			DataShards:   4,
			ParityShards: 2,
			BlockSize:    256 << 10, // 256KiB
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "text",
			MaxSize:     10,
			BackupCount: 5,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes c as YAML, creating parent directories.
func (c Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Download.ChunkSize <= 0 {
		return errors.New("config: download.chunk_size must be positive")
	}
	if c.Download.MaxConcurrentDownloads <= 0 {
		return errors.New("config: download.max_concurrent_downloads must be positive")
	}
	if c.Download.MaxSpeed < 0 {
		return errors.New("config: download.max_speed cannot be negative")
	}
	if c.Download.RetryCount < 1 {
		return errors.New("config: download.retry_count must be at least 1")
	}
	if c.Download.RetryBackoff < 0 {
		return errors.New("config: download.retry_backoff cannot be negative")
	}
	if c.Download.MaxReassignments < 0 {
		return errors.New("config: download.max_reassignments cannot be negative")
	}
	if c.Network.MaxBandwidth < 0 {
		return errors.New("config: network.max_bandwidth cannot be negative")
	}
	if c.Network.Port < 0 || c.Network.Port > 65535 {
		return fmt.Errorf("config: network.port %d out of range", c.Network.Port)
	}
	if c.Network.Window <= 0 {
		return errors.New("config: network.window must be positive")
	}
	if c.Network.ProbeSize <= 0 {
		return errors.New("config: network.probe_size must be positive")
	}
	if _, err := erasure.New(c.Erasure.DataShards, c.Erasure.ParityShards); err != nil {
		return fmt.Errorf("config: erasure: %w", err)
	}
	if c.Erasure.BlockSize <= 0 {
		return errors.New("config: erasure.block_size must be positive")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: logging.level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("config: logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Download.ChunkSize != 0 {
		c.Download.ChunkSize = override.Download.ChunkSize
	}
	if override.Download.MaxConcurrentDownloads != 0 {
		c.Download.MaxConcurrentDownloads = override.Download.MaxConcurrentDownloads
	}
	if override.Download.MaxSpeed != 0 {
		c.Download.MaxSpeed = override.Download.MaxSpeed
	}
	if override.Download.Timeout != 0 {
		c.Download.Timeout = override.Download.Timeout
	}
	if override.Download.RetryCount != 0 {
		c.Download.RetryCount = override.Download.RetryCount
	}
	if override.Download.RetryBackoff != 0 {
		c.Download.RetryBackoff = override.Download.RetryBackoff
	}
	if override.Download.MaxReassignments != 0 {
		c.Download.MaxReassignments = override.Download.MaxReassignments
	}
	if override.Network.MaxBandwidth != 0 {
		c.Network.MaxBandwidth = override.Network.MaxBandwidth
	}
	if override.Network.Port != 0 {
		c.Network.Port = override.Network.Port
	}
	if override.Storage.DownloadPath != "" {
		c.Storage.DownloadPath = override.Storage.DownloadPath
	}
	if override.Storage.TempPath != "" {
		c.Storage.TempPath = override.Storage.TempPath
	}
	if override.Erasure.DataShards != 0 {
		c.Erasure.DataShards = override.Erasure.DataShards
	}
	if override.Erasure.ParityShards != 0 {
		c.Erasure.ParityShards = override.Erasure.ParityShards
	}
	if override.Erasure.BlockSize != 0 {
		c.Erasure.BlockSize = override.Erasure.BlockSize
	}
	if override.Logging.Level != "" {
		c.Logging.Level = override.Logging.Level
	}
	return c
}

// ByteSize is a byte count written in human form ("256KiB", "1.5 MB")
// or as a plain integer.
type ByteSize int64

// ParseByteSize parses s with go-humanize rules.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return ByteSize(n), nil
}

// String returns the shortest exact binary-unit form, e.g. "256KiB".
func (b ByteSize) String() string {
	units := []struct {
		size int64
		name string
	}{
		{1 << 40, "TiB"},
		{1 << 30, "GiB"},
		{1 << 20, "MiB"},
		{1 << 10, "KiB"},
	}
	for _, u := range units {
		if b != 0 && int64(b)%u.size == 0 {
			return strconv.FormatInt(int64(b)/u.size, 10) + u.name
		}
	}
	return strconv.FormatInt(int64(b), 10)
}

// UnmarshalYAML accepts integers and human-readable sizes.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseByteSize(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = v
	return nil
}

// MarshalYAML writes the String form.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}
