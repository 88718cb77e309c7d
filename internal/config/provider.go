package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// FECGET_DOWNLOAD_MAX_SPEED for download.max_speed.
const EnvPrefix = "FECGET"

// ErrUnknownKey is returned for dotted keys the configuration does not have.
var ErrUnknownKey = errors.New("config: unknown key")

// ErrNoConfigFile is returned by Save when the provider has no file path.
var ErrNoConfigFile = errors.New("config: no config file set")

type kind int

const (
	kindInt kind = iota
	kindBytes
	kindDuration
	kindBool
	kindString
)

// keys lists every recognised dotted key with its value kind.
var keys = map[string]kind{
	"download.chunk_size":               kindBytes,
	"download.max_concurrent_downloads": kindInt,
	"download.max_speed":                kindBytes,
	"download.timeout":                  kindDuration,
	"download.retry_count":              kindInt,
	"download.retry_backoff":            kindDuration,
	"download.max_reassignments":        kindInt,
	"download.verify":                   kindBool,
	"network.max_bandwidth":             kindBytes,
	"network.port":                      kindInt,
	"network.window":                    kindDuration,
	"network.probe_size":                kindBytes,
	"network.probe_ttl":                 kindDuration,
	"storage.download_path":             kindString,
	"storage.temp_path":                 kindString,
	"erasure.data_shards":               kindInt,
	"erasure.parity_shards":             kindInt,
	"erasure.block_size":                kindBytes,
	"logging.level":                     kindString,
	"logging.format":                    kindString,
	"logging.file":                      kindString,
	"logging.max_size":                  kindInt,
	"logging.backup_count":              kindInt,
}

// Keys returns every recognised dotted key, sorted.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Provider layers defaults, a YAML file and FECGET_ environment variables
// behind dotted keys. Components receive an immutable Snapshot.
type Provider struct {
	mu        sync.RWMutex
	v         *viper.Viper
	path      string
	overrides map[string]bool
}

// NewProvider loads path, if set. A missing file is not an error; Save
// creates it.
func NewProvider(path string) (*Provider, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	return &Provider{v: v, path: path, overrides: make(map[string]bool)}, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("download.chunk_size", int64(c.Download.ChunkSize))
	v.SetDefault("download.max_concurrent_downloads", c.Download.MaxConcurrentDownloads)
	v.SetDefault("download.max_speed", int64(c.Download.MaxSpeed))
	v.SetDefault("download.timeout", c.Download.Timeout)
	v.SetDefault("download.retry_count", c.Download.RetryCount)
	v.SetDefault("download.retry_backoff", c.Download.RetryBackoff)
	v.SetDefault("download.max_reassignments", c.Download.MaxReassignments)
	v.SetDefault("download.verify", c.Download.Verify)
	v.SetDefault("network.max_bandwidth", int64(c.Network.MaxBandwidth))
	v.SetDefault("network.port", c.Network.Port)
	v.SetDefault("network.window", c.Network.Window)
	v.SetDefault("network.probe_size", int64(c.Network.ProbeSize))
	v.SetDefault("network.probe_ttl", c.Network.ProbeTTL)
	v.SetDefault("storage.download_path", c.Storage.DownloadPath)
	v.SetDefault("storage.temp_path", c.Storage.TempPath)
	v.SetDefault("erasure.data_shards", c.Erasure.DataShards)
	v.SetDefault("erasure.parity_shards", c.Erasure.ParityShards)
	v.SetDefault("erasure.block_size", int64(c.Erasure.BlockSize))
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.file", c.Logging.File)
	v.SetDefault("logging.max_size", c.Logging.MaxSize)
	v.SetDefault("logging.backup_count", c.Logging.BackupCount)
}

// Path returns the config file path, empty if none.
func (p *Provider) Path() string {
	return p.path
}

// Get returns the effective value of a dotted key.
func (p *Provider) Get(key string) (interface{}, error) {
	if _, ok := keys[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.Get(key), nil
}

// GetString returns the value of key formatted for display.
func (p *Provider) GetString(key string) (string, error) {
	k, ok := keys[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch k {
	case kindBytes:
		b, err := ParseByteSize(p.v.GetString(key))
		if err != nil {
			return "", fmt.Errorf("config: %s: %w", key, err)
		}
		return b.String(), nil
	case kindDuration:
		return p.v.GetDuration(key).String(), nil
	default:
		return p.v.GetString(key), nil
	}
}

// IsSet reports whether key was set by file, environment or Set rather
// than left at its default.
func (p *Provider) IsSet(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.overrides[key] || p.v.InConfig(key) {
		return true
	}
	_, ok := os.LookupEnv(EnvName(key))
	return ok
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Set parses value for key and applies it. The change is rejected if the
// resulting configuration does not validate.
func (p *Provider) Set(key, value string) error {
	k, ok := keys[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	parsed, err := parseValue(k, value)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.v.Get(key)
	p.v.Set(key, parsed)
	cfg, err := p.snapshotLocked()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		p.v.Set(key, prev)
		return err
	}
	p.overrides[key] = true
	return nil
}

// Snapshot returns the effective configuration.
func (p *Provider) Snapshot() (Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

// Save writes the effective configuration to the provider's file.
func (p *Provider) Save() error {
	if p.path == "" {
		return ErrNoConfigFile
	}
	cfg, err := p.Snapshot()
	if err != nil {
		return err
	}
	return cfg.SaveToFile(p.path)
}

func (p *Provider) snapshotLocked() (Config, error) {
	var c Config
	var err error
	bytesOf := func(key string) ByteSize {
		if err != nil {
			return 0
		}
		var b ByteSize
		b, err = ParseByteSize(p.v.GetString(key))
		if err != nil {
			err = fmt.Errorf("config: %s: %w", key, err)
		}
		return b
	}

	c.Download = DownloadConfig{
		ChunkSize:              bytesOf("download.chunk_size"),
		MaxConcurrentDownloads: p.v.GetInt("download.max_concurrent_downloads"),
		MaxSpeed:               bytesOf("download.max_speed"),
		Timeout:                p.v.GetDuration("download.timeout"),
		RetryCount:             p.v.GetInt("download.retry_count"),
		RetryBackoff:           p.v.GetDuration("download.retry_backoff"),
		MaxReassignments:       p.v.GetInt("download.max_reassignments"),
		Verify:                 p.v.GetBool("download.verify"),
	}
	c.Network = NetworkConfig{
		MaxBandwidth: bytesOf("network.max_bandwidth"),
		Port:         p.v.GetInt("network.port"),
		Window:       p.v.GetDuration("network.window"),
		ProbeSize:    bytesOf("network.probe_size"),
		ProbeTTL:     p.v.GetDuration("network.probe_ttl"),
	}
	c.Storage = StorageConfig{
		DownloadPath: p.v.GetString("storage.download_path"),
		TempPath:     p.v.GetString("storage.temp_path"),
	}
	c.Erasure = ErasureConfig{
		DataShards:   p.v.GetInt("erasure.data_shards"),
		ParityShards: p.v.GetInt("erasure.parity_shards"),
		BlockSize:    bytesOf("erasure.block_size"),
	}
	c.Logging = LoggingConfig{
		Level:       p.v.GetString("logging.level"),
		Format:      p.v.GetString("logging.format"),
		File:        p.v.GetString("logging.file"),
		MaxSize:     p.v.GetInt("logging.max_size"),
		BackupCount: p.v.GetInt("logging.backup_count"),
	}
	if err != nil {
		return Config{}, err
	}
	return c, nil
}

func parseValue(k kind, value string) (interface{}, error) {
	switch k {
	case kindInt:
		return strconv.Atoi(value)
	case kindBytes:
		b, err := ParseByteSize(value)
		return int64(b), err
	case kindDuration:
		return time.ParseDuration(value)
	case kindBool:
		return strconv.ParseBool(value)
	default:
		return value, nil
	}
}
