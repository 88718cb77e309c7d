// Package config defines configuration for fecget.
//
// Configuration can be provided via:
//   - Command-line flags (merged with [Config.Merge])
//   - Environment variables (FECGET_ prefix, dots become underscores)
//   - YAML configuration file
//
// A [Provider] resolves dotted keys such as "download.max_speed" across
// these layers and hands out immutable [Config] snapshots. Byte sizes accept
// human forms like "256KiB" or "1.5MB".
//
// # File Format
//
//	download:
//	  chunk_size: 1MiB
//	  max_concurrent_downloads: 4
//	  max_speed: 0
//	  retry_count: 3
//	  retry_backoff: 1s
//	network:
//	  max_bandwidth: 10MiB
//	  window: 10s
//	erasure:
//	  data_shards: 4
//	  parity_shards: 2
//	  block_size: 256KiB
//	logging:
//	  level: info
//	  format: text
package config
