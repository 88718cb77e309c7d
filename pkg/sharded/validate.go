package sharded

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
)

// ValidationResult contains the results of validating a stored file.
type ValidationResult struct {
	Valid           bool     // true if every shard exists with the right size
	Recoverable     bool     // true if every stripe still has k usable shards
	TotalSize       int64    // total size from manifest
	StripeCount     int      // number of stripes in manifest
	ShardCount      int      // number of shards in manifest
	MissingShards   int      // number of shards that don't exist
	SizeMismatches  int      // number of shards with wrong size
	CorruptShards   int      // data shards failing their digest (deep only)
	DegradedStripes []int    // stripes with at least one unusable shard
	Errors          []string // detailed error messages
}

// Validate checks that every shard of dest exists with the expected size.
// It reads shard attributes from the object store without downloading data.
//
// Missing shards and size mismatches are NOT returned as errors. They are
// reported in the ValidationResult with Valid=false; Recoverable tells
// whether Repair can still rebuild them.
func Validate(ctx context.Context, bucket *blob.Bucket, dest string) (*ValidationResult, error) {
	m, err := ReadManifest(ctx, bucket, dest)
	if err != nil {
		return nil, err
	}

	result := newResult(m)
	for s := range m.Stripes {
		usable := 0
		for i, shard := range m.Stripes[s].Shards {
			key := m.ShardKey(dest, s, i)

			attrs, err := bucket.Attributes(ctx, key)
			if err != nil {
				if isNotExist(err) {
					result.MissingShards++
					result.Errors = append(result.Errors,
						fmt.Sprintf("stripe %d shard %d missing: %s", s, i, key))
					continue
				}
				return nil, fmt.Errorf("sharded: check stripe %d shard %d: %w", s, i, err)
			}

			if attrs.Size != shard.Size {
				result.SizeMismatches++
				result.Errors = append(result.Errors,
					fmt.Sprintf("stripe %d shard %d size mismatch: expected %d, got %d",
						s, i, shard.Size, attrs.Size))
				continue
			}
			usable++
		}
		result.noteStripe(s, usable, m)
	}

	result.Valid = result.MissingShards == 0 && result.SizeMismatches == 0
	return result, nil
}

// ValidateDeep downloads every shard and also checks data shards against
// their plaintext digests.
func ValidateDeep(ctx context.Context, bucket *blob.Bucket, dest string) (*ValidationResult, error) {
	r, err := NewShardReader(ctx, bucket, dest)
	if err != nil {
		return nil, err
	}
	m := r.Manifest()

	result := newResult(m)
	for s := range m.Stripes {
		usable, status, err := r.LoadStripe(ctx, s)
		if err != nil {
			return nil, err
		}
		for i, st := range status {
			switch st {
			case ShardMissing:
				result.MissingShards++
				result.Errors = append(result.Errors, fmt.Sprintf("stripe %d shard %d missing", s, i))
			case ShardCorrupt:
				result.CorruptShards++
				result.Errors = append(result.Errors, fmt.Sprintf("stripe %d shard %d corrupt", s, i))
			}
		}
		result.noteStripe(s, len(usable), m)
	}

	result.Valid = result.MissingShards == 0 && result.CorruptShards == 0
	return result, nil
}

func newResult(m *Manifest) *ValidationResult {
	return &ValidationResult{
		Recoverable: true,
		TotalSize:   m.TotalSize,
		StripeCount: len(m.Stripes),
		ShardCount:  len(m.Stripes) * m.TotalShards(),
		Errors:      make([]string, 0),
	}
}

func (r *ValidationResult) noteStripe(stripe, usable int, m *Manifest) {
	if usable < m.TotalShards() {
		r.DegradedStripes = append(r.DegradedStripes, stripe)
	}
	if usable < m.DataShards {
		r.Recoverable = false
		r.Errors = append(r.Errors,
			fmt.Sprintf("stripe %d unrecoverable: %d of %d required shards", stripe, usable, m.DataShards))
	}
}
