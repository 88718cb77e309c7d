package sharded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/fecget/pkg/erasure"
)

// ManifestSuffix is appended to an object key to name its manifest.
const ManifestSuffix = ".manifest.json"

// ManifestVersion is the layout version written by Publish.
const ManifestVersion = 1

// ErrInvalidManifest is returned when a manifest is structurally unusable.
var ErrInvalidManifest = errors.New("sharded: invalid manifest")

// Manifest describes an erasure-coded file stored as stripes of shards.
type Manifest struct {
	Version      int               `json:"version"`
	TotalSize    int64             `json:"total_size"`
	BlockSize    int64             `json:"block_size"`
	DataShards   int               `json:"data_shards"`
	ParityShards int               `json:"parity_shards"`
	PartsPrefix  string            `json:"parts_prefix"`
	Stripes      []StripeInfo      `json:"stripes"`
	Digests      []string          `json:"block_digests"`
	Mirrors      []string          `json:"mirrors,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// StripeInfo lists the shards of one stripe. Data shards come first.
type StripeInfo struct {
	Shards []ShardInfo `json:"shards"`
}

// ShardInfo describes a single stored shard.
// The index is implicit from the array position.
type ShardInfo struct {
	Object string `json:"object"`
	Size   int64  `json:"size"`
}

// ManifestKey returns the manifest object key for dest.
func ManifestKey(dest string) string {
	return dest + ManifestSuffix
}

// IsManifestURL reports whether rawURL names a manifest.
func IsManifestURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.HasSuffix(rawURL, ManifestSuffix)
	}
	return strings.HasSuffix(u.Path, ManifestSuffix)
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("sharded: unmarshal manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadManifest loads the manifest of dest from bucket.
func ReadManifest(ctx context.Context, bucket *blob.Bucket, dest string) (*Manifest, error) {
	data, err := bucket.ReadAll(ctx, ManifestKey(dest))
	if err != nil {
		return nil, fmt.Errorf("sharded: read manifest: %w", err)
	}
	return ParseManifest(data)
}

// WriteManifest stores m as the manifest of dest.
func WriteManifest(ctx context.Context, bucket *blob.Bucket, dest string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("sharded: marshal manifest: %w", err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := bucket.WriteAll(ctx, ManifestKey(dest), data, opts); err != nil {
		return fmt.Errorf("sharded: write manifest: %w", err)
	}
	return nil
}

// Validate checks that the manifest describes a decodable layout.
func (m *Manifest) Validate() error {
	if _, err := erasure.New(m.DataShards, m.ParityShards); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.BlockSize <= 0 {
		return fmt.Errorf("%w: block size %d", ErrInvalidManifest, m.BlockSize)
	}
	if m.TotalSize < 0 {
		return fmt.Errorf("%w: total size %d", ErrInvalidManifest, m.TotalSize)
	}
	if want := m.StripeCount(); len(m.Stripes) != want {
		return fmt.Errorf("%w: %d stripes listed, size requires %d", ErrInvalidManifest, len(m.Stripes), want)
	}
	n := m.TotalShards()
	for s, stripe := range m.Stripes {
		if len(stripe.Shards) != n {
			return fmt.Errorf("%w: stripe %d lists %d shards, want %d", ErrInvalidManifest, s, len(stripe.Shards), n)
		}
	}
	if len(m.Digests) != 0 && len(m.Digests) != m.BlockCount() {
		return fmt.Errorf("%w: %d block digests for %d blocks", ErrInvalidManifest, len(m.Digests), m.BlockCount())
	}
	return nil
}

// Codec returns an erasure codec for the manifest parameters.
func (m *Manifest) Codec() (*erasure.Codec, error) {
	return erasure.New(m.DataShards, m.ParityShards)
}

// TotalShards returns k+m.
func (m *Manifest) TotalShards() int {
	return m.DataShards + m.ParityShards
}

// StripeCount returns the number of stripes the total size requires.
func (m *Manifest) StripeCount() int {
	if m.TotalSize <= 0 || m.BlockSize <= 0 || m.DataShards <= 0 {
		return 0
	}
	stripe := m.BlockSize * int64(m.DataShards)
	return int((m.TotalSize + stripe - 1) / stripe)
}

// BlockCount returns the number of plaintext blocks that carry file bytes.
func (m *Manifest) BlockCount() int {
	if m.TotalSize <= 0 || m.BlockSize <= 0 {
		return 0
	}
	return int((m.TotalSize + m.BlockSize - 1) / m.BlockSize)
}

// Block returns the global plaintext block index of a data shard, or -1 for
// parity shards.
func (m *Manifest) Block(stripe, index int) int {
	if index >= m.DataShards {
		return -1
	}
	return stripe*m.DataShards + index
}

// DataLen returns how many bytes of the data shard at (stripe, index) are
// file content. The rest of the shard is zero padding. Parity shards
// report 0.
func (m *Manifest) DataLen(stripe, index int) int64 {
	b := m.Block(stripe, index)
	if b < 0 {
		return 0
	}
	start := int64(b) * m.BlockSize
	if start >= m.TotalSize {
		return 0
	}
	if rest := m.TotalSize - start; rest < m.BlockSize {
		return rest
	}
	return m.BlockSize
}

// Digest returns the plaintext digest recorded for a data shard.
func (m *Manifest) Digest(stripe, index int) (string, bool) {
	b := m.Block(stripe, index)
	if b < 0 || b >= len(m.Digests) {
		return "", false
	}
	return m.Digests[b], true
}

// ShardKey returns the bucket key of a shard of dest.
func (m *Manifest) ShardKey(dest string, stripe, index int) string {
	dir := path.Dir(dest)
	key := m.PartsPrefix + m.Stripes[stripe].Shards[index].Object
	if dir == "." || dir == "" {
		return key
	}
	return dir + "/" + key
}

// ShardURL returns the URL of a shard below base, the directory that holds
// the manifest.
func (m *Manifest) ShardURL(base string, stripe, index int) string {
	return strings.TrimRight(base, "/") + "/" + m.PartsPrefix + m.Stripes[stripe].Shards[index].Object
}

// BaseURL returns the directory part of a manifest URL.
func BaseURL(manifestURL string) (string, error) {
	u, err := url.Parse(manifestURL)
	if err != nil {
		return "", fmt.Errorf("sharded: parse manifest url: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	if i := strings.LastIndex(u.Path, "/"); i >= 0 {
		u.Path = u.Path[:i]
	} else {
		u.Path = ""
	}
	u.RawPath = ""
	return u.String(), nil
}

func shardObject(stripe, index int) string {
	return fmt.Sprintf("stripe-%06d/shard-%03d", stripe, index)
}

func partsPrefix(dest string) string {
	return path.Base(dest) + ".shards/"
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
