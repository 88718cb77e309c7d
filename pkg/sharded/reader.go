package sharded

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
)

// Reader streams the decoded contents of a stored file in order. Each
// stripe is rebuilt from whichever k shards are intact.
type Reader struct {
	shards *ShardReader
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	next     int
	buf      []byte
	prefetch chan stripeResult
	closed   bool
}

type stripeResult struct {
	data []byte
	err  error
}

// Read opens bucketURL and returns a Reader for dest.
func Read(ctx context.Context, bucketURL string, dest string, options ...Option) (*Reader, error) {
	shards, err := OpenShards(ctx, bucketURL, dest)
	if err != nil {
		return nil, err
	}
	return newReader(shards, options), nil
}

// ReadFromBucket opens a stored file from an existing bucket handle.
func ReadFromBucket(ctx context.Context, bucket *blob.Bucket, dest string, options ...Option) (*Reader, error) {
	shards, err := NewShardReader(ctx, bucket, dest)
	if err != nil {
		return nil, err
	}
	return newReader(shards, options), nil
}

func newReader(shards *ShardReader, options []Option) *Reader {
	opts := Options{}
	for _, opt := range options {
		opt(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reader{
		shards: shards,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.PrefetchCount > 0 {
		r.prefetch = make(chan stripeResult, opts.PrefetchCount)
		go r.prefetchLoop()
	}
	return r
}

func (r *Reader) prefetchLoop() {
	defer close(r.prefetch)
	for s := 0; s < len(r.shards.manifest.Stripes); s++ {
		data, err := r.shards.DecodeStripe(r.ctx, s)
		select {
		case r.prefetch <- stripeResult{data: data, err: err}:
		case <-r.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Read reads data from the decoded file.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}

	for len(r.buf) == 0 {
		data, err := r.nextStripe()
		if err != nil {
			return 0, err
		}
		r.buf = data
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *Reader) nextStripe() ([]byte, error) {
	if r.next >= len(r.shards.manifest.Stripes) {
		return nil, io.EOF
	}
	stripe := r.next
	r.next++

	if r.prefetch != nil {
		res, ok := <-r.prefetch
		if !ok {
			return nil, io.ErrUnexpectedEOF
		}
		if res.err != nil {
			return nil, fmt.Errorf("sharded: decode stripe %d: %w", stripe, res.err)
		}
		return res.data, nil
	}

	data, err := r.shards.DecodeStripe(r.ctx, stripe)
	if err != nil {
		return nil, fmt.Errorf("sharded: decode stripe %d: %w", stripe, err)
	}
	return data, nil
}

// Close closes the reader and releases resources.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()
	if r.prefetch != nil {
		for range r.prefetch {
		}
	}
	return r.shards.Close()
}

// Manifest returns the manifest of the file being read.
func (r *Reader) Manifest() *Manifest {
	return r.shards.manifest
}
