package downloader

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy is returned by Run when a transfer is already active.
	ErrBusy = errors.New("downloader: a transfer is already active")

	// ErrNoTransfer is returned by Wait before any transfer was started.
	ErrNoTransfer = errors.New("downloader: no transfer started")

	// ErrUnknownSize is returned when the source does not report its size.
	ErrUnknownSize = errors.New("downloader: source size is unknown")

	// ErrShardSize is returned when a fetched chunk has the wrong length or
	// carries non-zero padding.
	ErrShardSize = errors.New("downloader: chunk has unexpected size or padding")

	// ErrSizeMismatch is returned when the assembled file has the wrong size.
	ErrSizeMismatch = errors.New("downloader: assembled file has unexpected size")
)

// ProgressFunc receives the completed fraction in [0, 1] and the current
// speed in bytes per second after every verified chunk.
type ProgressFunc func(fraction, speed float64)

// Request describes one transfer.
type Request struct {
	// Source is the URL of a plain file or of a *.manifest.json document.
	Source string

	// Mirrors are extra locations. For a manifest they are base URLs holding
	// the same layout; for a plain file they are URLs of the same bytes.
	Mirrors []string

	// Destination is the output path. Empty means storage.download_path
	// joined with the source file name.
	Destination string
}

// Settings are the user-adjustable transfer limits. They apply to the next
// transfer started.
type Settings struct {
	MaxSpeed               int64 // bytes per second, 0 = unlimited
	MaxConcurrentDownloads int
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if s.MaxSpeed < 0 {
		return fmt.Errorf("downloader: max speed cannot be negative")
	}
	if s.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("downloader: max concurrent downloads must be at least 1")
	}
	return nil
}

// Transfer is a snapshot of a file transfer.
type Transfer struct {
	ID           string
	Source       string
	Destination  string
	TotalSize    int64
	ChunkSize    int64
	DataShards   int // k; 0 for a plain download
	ParityShards int // m
	State        State
	Paused       bool
	BytesDone    int64
	BytesNeeded  int64
	Speed        float64
	Err          error
	StartedAt    time.Time
}

// Erasure reports whether the transfer reads an erasure-coded shard set.
func (t Transfer) Erasure() bool {
	return t.DataShards > 0
}

// Fraction returns the completed share of the bytes the transfer needs.
func (t Transfer) Fraction() float64 {
	if t.BytesNeeded <= 0 {
		return 0
	}
	f := float64(t.BytesDone) / float64(t.BytesNeeded)
	if f > 1 {
		f = 1
	}
	return f
}

// Result is the outcome of a transfer.
type Result struct {
	Transfer Transfer

	// Path is the final output path, empty unless the transfer completed.
	Path string

	Stripes       int
	Shards        int // verified shards or chunks used for assembly
	Substituted   int // lost data shards replaced by parity
	Reassignments int // fetches moved to another location
	Elapsed       time.Duration
}
