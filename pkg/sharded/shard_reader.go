package sharded

import (
	"context"
	"errors"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/fecget/internal/integrity"
	"github.com/ligustah/fecget/pkg/erasure"
)

// ShardReader provides random access to the shards of a stored file.
type ShardReader struct {
	bucket   *blob.Bucket
	dest     string
	manifest *Manifest
	codec    *erasure.Codec
	owned    bool
}

// OpenShards opens bucketURL and loads the manifest of object.
// The caller must call Close() when done.
func OpenShards(ctx context.Context, bucketURL, object string) (*ShardReader, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("sharded: open bucket: %w", err)
	}
	r, err := NewShardReader(ctx, bucket, object)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

// NewShardReader loads the manifest of object from an existing bucket handle.
// Close does not close the bucket.
func NewShardReader(ctx context.Context, bucket *blob.Bucket, object string) (*ShardReader, error) {
	m, err := ReadManifest(ctx, bucket, object)
	if err != nil {
		return nil, err
	}
	codec, err := m.Codec()
	if err != nil {
		return nil, err
	}
	return &ShardReader{bucket: bucket, dest: object, manifest: m, codec: codec}, nil
}

// Manifest returns the loaded manifest.
func (r *ShardReader) Manifest() *Manifest {
	return r.manifest
}

// ReadShard reads one stored shard.
func (r *ShardReader) ReadShard(ctx context.Context, stripe, index int) ([]byte, error) {
	if stripe < 0 || stripe >= len(r.manifest.Stripes) {
		return nil, fmt.Errorf("sharded: stripe %d out of range [0, %d)", stripe, len(r.manifest.Stripes))
	}
	if index < 0 || index >= r.manifest.TotalShards() {
		return nil, fmt.Errorf("sharded: shard %d out of range [0, %d)", index, r.manifest.TotalShards())
	}
	key := r.manifest.ShardKey(r.dest, stripe, index)
	data, err := r.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("sharded: read shard %s: %w", key, err)
	}
	return data, nil
}

// ShardStatus is the health of one stored shard.
type ShardStatus int

const (
	ShardOK ShardStatus = iota
	ShardMissing
	ShardCorrupt
)

func (s ShardStatus) String() string {
	switch s {
	case ShardOK:
		return "ok"
	case ShardMissing:
		return "missing"
	case ShardCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// LoadStripe reads every shard of a stripe. Data shards are checked against
// their plaintext digests; parity shards only against their size. Usable
// shards are returned with the status of every index.
func (r *ShardReader) LoadStripe(ctx context.Context, stripe int) ([]erasure.Shard, []ShardStatus, error) {
	m := r.manifest
	status := make([]ShardStatus, m.TotalShards())
	var usable []erasure.Shard

	for i := 0; i < m.TotalShards(); i++ {
		data, err := r.ReadShard(ctx, stripe, i)
		if err != nil {
			if isNotExist(err) {
				status[i] = ShardMissing
				continue
			}
			return nil, nil, err
		}
		if !r.shardIntact(stripe, i, data) {
			status[i] = ShardCorrupt
			continue
		}
		usable = append(usable, erasure.Shard{Stripe: stripe, Index: i, Data: data})
	}
	return usable, status, nil
}

// DecodeStripe reconstructs the plaintext of a stripe, trimmed of padding.
func (r *ShardReader) DecodeStripe(ctx context.Context, stripe int) ([]byte, error) {
	shards, _, err := r.LoadStripe(ctx, stripe)
	if err != nil {
		return nil, err
	}
	blocks, err := r.codec.DecodeStripe(shards)
	if err != nil {
		var ise *erasure.InsufficientShardsError
		if errors.As(err, &ise) {
			ise.Stripe = stripe
		}
		return nil, err
	}

	var out []byte
	for i, b := range blocks {
		n := r.manifest.DataLen(stripe, i)
		out = append(out, b[:n]...)
	}
	return out, nil
}

func (r *ShardReader) shardIntact(stripe, index int, data []byte) bool {
	m := r.manifest
	if int64(len(data)) != m.BlockSize {
		return false
	}
	if index >= m.DataShards {
		return true
	}
	n := m.DataLen(stripe, index)
	if n == 0 {
		return isZero(data)
	}
	if digest, ok := m.Digest(stripe, index); ok {
		return integrity.Validate(data[:n], digest) && isZero(data[n:])
	}
	return true
}

// Close releases the bucket if OpenShards opened it.
func (r *ShardReader) Close() error {
	if r.owned {
		return r.bucket.Close()
	}
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
