package sharded

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/fecget/internal/integrity"
	"github.com/ligustah/fecget/pkg/erasure"
)

// Defaults used by Publish.
const (
	DefaultDataShards   = 4
	DefaultParityShards = 2
	DefaultBlockSize    = 256 * 1024
)

// Options configures sharded file operations.
type Options struct {
	DataShards    int
	ParityShards  int
	BlockSize     int64
	Metadata      map[string]string
	Mirrors       []string
	Concurrency   int // parallel shard uploads per stripe
	PrefetchCount int // stripes decoded ahead by Reader (0 = disabled)
	OnStripe      func(stripe int, bytes int64)
}

// Option is a functional option for configuring sharded operations.
type Option func(*Options)

// WithDataShards sets k, the number of data shards per stripe.
func WithDataShards(k int) Option {
	return func(o *Options) {
		o.DataShards = k
	}
}

// WithParityShards sets m, the number of parity shards per stripe.
func WithParityShards(m int) Option {
	return func(o *Options) {
		o.ParityShards = m
	}
}

// WithBlockSize sets the size of every shard.
func WithBlockSize(size int64) Option {
	return func(o *Options) {
		o.BlockSize = size
	}
}

// WithMetadata sets caller-defined metadata stored in the manifest.
func WithMetadata(metadata map[string]string) Option {
	return func(o *Options) {
		o.Metadata = metadata
	}
}

// WithMirrors records base URLs that serve the same layout.
func WithMirrors(mirrors ...string) Option {
	return func(o *Options) {
		o.Mirrors = append(o.Mirrors, mirrors...)
	}
}

// WithConcurrency sets how many shards of a stripe are uploaded at once.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		o.Concurrency = n
	}
}

// WithPrefetch sets the number of stripes to decode ahead during reads.
// Set to 0 to disable prefetching (default).
func WithPrefetch(n int) Option {
	return func(o *Options) {
		o.PrefetchCount = n
	}
}

// WithProgress registers a callback invoked after each stripe is stored.
func WithProgress(fn func(stripe int, bytes int64)) Option {
	return func(o *Options) {
		o.OnStripe = fn
	}
}

func buildOptions(options []Option) Options {
	opts := Options{
		DataShards:   DefaultDataShards,
		ParityShards: DefaultParityShards,
		BlockSize:    DefaultBlockSize,
		Concurrency:  4,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return opts
}

// Publish reads r to the end, encodes it stripe by stripe and stores every
// shard under dest's parts prefix, then writes the manifest. On failure the
// shards written so far are removed.
func Publish(ctx context.Context, bucket *blob.Bucket, dest string, r io.Reader, options ...Option) (*Manifest, error) {
	opts := buildOptions(options)
	if opts.BlockSize <= 0 {
		return nil, errors.New("sharded: block size must be positive")
	}
	codec, err := erasure.New(opts.DataShards, opts.ParityShards)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:      ManifestVersion,
		BlockSize:    opts.BlockSize,
		DataShards:   opts.DataShards,
		ParityShards: opts.ParityShards,
		PartsPrefix:  partsPrefix(dest),
		Mirrors:      opts.Mirrors,
		Metadata:     opts.Metadata,
	}

	if err := publishStripes(ctx, bucket, dest, r, codec, m, opts); err != nil {
		if cerr := DeletePartial(context.Background(), bucket, dest); cerr != nil && !errors.Is(cerr, ErrNothingStored) {
			err = fmt.Errorf("%w (cleanup: %v)", err, cerr)
		}
		return nil, err
	}

	m.CompletedAt = time.Now().UTC()
	if err := WriteManifest(ctx, bucket, dest, m); err != nil {
		return nil, err
	}
	return m, nil
}

func publishStripes(ctx context.Context, bucket *blob.Bucket, dest string, r io.Reader, codec *erasure.Codec, m *Manifest, opts Options) error {
	k := codec.DataShards()
	blockSize := int(opts.BlockSize)
	buf := make([]byte, k*blockSize)

	for stripe := 0; ; stripe++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("sharded: read input: %w", err)
		}
		last := err == io.ErrUnexpectedEOF
		clear(buf[n:])

		blocks := make([][]byte, k)
		for i := range blocks {
			blocks[i] = buf[i*blockSize : (i+1)*blockSize]
		}
		for i := 0; i < k; i++ {
			start := i * blockSize
			if start >= n {
				break
			}
			end := start + blockSize
			if end > n {
				end = n
			}
			m.Digests = append(m.Digests, integrity.Hash(buf[start:end]))
		}

		shards, err := codec.EncodeStripe(blocks)
		if err != nil {
			return err
		}

		info := StripeInfo{Shards: make([]ShardInfo, len(shards))}
		for i, data := range shards {
			info.Shards[i] = ShardInfo{Object: shardObject(stripe, i), Size: int64(len(data))}
		}
		m.Stripes = append(m.Stripes, info)
		m.TotalSize += int64(n)

		if err := writeStripe(ctx, bucket, dest, m, stripe, shards, opts.Concurrency); err != nil {
			return err
		}
		if opts.OnStripe != nil {
			opts.OnStripe(stripe, int64(n))
		}
		if last {
			return nil
		}
	}
}

func writeStripe(ctx context.Context, bucket *blob.Bucket, dest string, m *Manifest, stripe int, shards [][]byte, concurrency int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, data := range shards {
		i, data := i, data
		g.Go(func() error {
			return writeShard(gctx, bucket, m.ShardKey(dest, stripe, i), data)
		})
	}
	return g.Wait()
}

func writeShard(ctx context.Context, bucket *blob.Bucket, key string, data []byte) error {
	opts := &blob.WriterOptions{ContentType: "application/octet-stream"}
	if err := bucket.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("sharded: write shard %s: %w", key, err)
	}
	return nil
}
