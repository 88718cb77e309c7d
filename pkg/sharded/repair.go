package sharded

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"gocloud.dev/blob"

	"github.com/ligustah/fecget/pkg/erasure"
)

// ErrUnrepairable is returned when a stripe cannot be rebuilt into data that
// matches the manifest digests.
var ErrUnrepairable = errors.New("sharded: stripe cannot be repaired")

// ShardRef names one shard of a stored file.
type ShardRef struct {
	Stripe int
	Index  int
}

// RepairResult lists the shards Repair rewrote.
type RepairResult struct {
	Stripes   int
	Rewritten []ShardRef
}

// Repair regenerates every missing or corrupt shard of dest from the
// intact shards of its stripe and writes them back.
func Repair(ctx context.Context, bucket *blob.Bucket, dest string) (*RepairResult, error) {
	r, err := NewShardReader(ctx, bucket, dest)
	if err != nil {
		return nil, err
	}

	result := &RepairResult{Stripes: len(r.Manifest().Stripes)}
	for s := range r.Manifest().Stripes {
		refs, err := RepairStripe(ctx, r, s)
		result.Rewritten = append(result.Rewritten, refs...)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// RepairStripe rebuilds a single stripe through r.
func RepairStripe(ctx context.Context, r *ShardReader, stripe int) ([]ShardRef, error) {
	m := r.Manifest()
	usable, _, err := r.LoadStripe(ctx, stripe)
	if err != nil {
		return nil, err
	}

	regenerated, err := r.codec.Repair(usable)
	if err != nil {
		var ise *erasure.InsufficientShardsError
		if errors.As(err, &ise) {
			ise.Stripe = stripe
		}
		return nil, fmt.Errorf("sharded: repair stripe %d: %w", stripe, err)
	}

	// Parity cannot be checked on its own; confirm the rebuilt data.
	for i := 0; i < m.DataShards; i++ {
		if !r.shardIntact(stripe, i, regenerated[i].Data) {
			return nil, fmt.Errorf("%w: stripe %d rebuilt data block %d fails its digest", ErrUnrepairable, stripe, i)
		}
	}

	stored := make(map[int][]byte, len(usable))
	for _, s := range usable {
		stored[s.Index] = s.Data
	}

	var refs []ShardRef
	for i, shard := range regenerated {
		if old, ok := stored[i]; ok && bytes.Equal(old, shard.Data) {
			continue
		}
		if err := writeShard(ctx, r.bucket, m.ShardKey(r.dest, stripe, i), shard.Data); err != nil {
			return refs, err
		}
		refs = append(refs, ShardRef{Stripe: stripe, Index: i})
	}
	return refs, nil
}
