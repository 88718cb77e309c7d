package sharded

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/ligustah/fecget/internal/integrity"
	"github.com/ligustah/fecget/pkg/erasure"
)

func openBucket(t *testing.T) *blob.Bucket {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return bucket
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i * 7) % 251)
	}
	return data
}

func publish(t *testing.T, bucket *blob.Bucket, dest string, data []byte, options ...Option) *Manifest {
	t.Helper()
	m, err := Publish(context.Background(), bucket, dest, bytes.NewReader(data), options...)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return m
}

func TestPublishAndRead(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	// 1.5 MiB in two stripes of four 256 KiB blocks.
	data := testData(1536 * 1024)
	var stripes []int
	m := publish(t, bucket, "test/file.bin", data,
		WithMetadata(map[string]string{"test": "value"}),
		WithMirrors("http://mirror/files"),
		WithProgress(func(stripe int, n int64) { stripes = append(stripes, stripe) }),
	)

	if m.TotalSize != int64(len(data)) {
		t.Errorf("expected total size %d, got %d", len(data), m.TotalSize)
	}
	if len(m.Stripes) != 2 || m.TotalShards() != 6 {
		t.Fatalf("expected 2 stripes of 6 shards, got %d stripes of %d", len(m.Stripes), m.TotalShards())
	}
	if len(m.Digests) != 6 {
		t.Errorf("expected 6 block digests, got %d", len(m.Digests))
	}
	if m.Digests[5] != integrity.Hash(data[5*256*1024:]) {
		t.Error("last digest must cover only the unpadded tail")
	}
	if len(stripes) != 2 {
		t.Errorf("expected 2 progress callbacks, got %v", stripes)
	}

	// Manifest round trip
	loaded, err := ReadManifest(ctx, bucket, "test/file.bin")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if loaded.Metadata["test"] != "value" || len(loaded.Mirrors) != 1 {
		t.Errorf("metadata or mirrors lost: %+v", loaded)
	}

	// Shards live next to the manifest.
	key := m.ShardKey("test/file.bin", 1, 5)
	if key != "test/file.bin.shards/stripe-000001/shard-005" {
		t.Errorf("unexpected shard key %s", key)
	}
	if ok, _ := bucket.Exists(ctx, key); !ok {
		t.Errorf("shard %s not written", key)
	}

	reader, err := ReadFromBucket(ctx, bucket, "test/file.bin")
	if err != nil {
		t.Fatalf("ReadFromBucket: %v", err)
	}
	defer reader.Close()

	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data mismatch")
	}
}

func TestReadSurvivesLostShards(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	data := testData(100 * 1000)
	m := publish(t, bucket, "lossy.bin", data, WithBlockSize(8*1024), WithDataShards(3), WithParityShards(2))

	// Drop two shards from every stripe, including data shards.
	for s := range m.Stripes {
		for _, i := range []int{s % 3, 4} {
			if err := bucket.Delete(ctx, m.ShardKey("lossy.bin", s, i)); err != nil {
				t.Fatalf("delete: %v", err)
			}
		}
	}

	for _, prefetch := range []int{0, 3} {
		reader, err := ReadFromBucket(ctx, bucket, "lossy.bin", WithPrefetch(prefetch))
		if err != nil {
			t.Fatalf("ReadFromBucket: %v", err)
		}
		got, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			t.Fatalf("prefetch=%d ReadAll: %v", prefetch, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("prefetch=%d data mismatch", prefetch)
		}
	}
}

func TestReadFailsWithTooFewShards(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	m := publish(t, bucket, "gone.bin", testData(4096), WithBlockSize(1024), WithDataShards(4), WithParityShards(1))
	for _, i := range []int{0, 1} {
		bucket.Delete(ctx, m.ShardKey("gone.bin", 0, i))
	}

	reader, err := ReadFromBucket(ctx, bucket, "gone.bin")
	if err != nil {
		t.Fatalf("ReadFromBucket: %v", err)
	}
	defer reader.Close()

	_, err = io.ReadAll(reader)
	var ise *erasure.InsufficientShardsError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InsufficientShardsError, got %v", err)
	}
	if ise.Have != 3 || ise.Need != 4 {
		t.Errorf("unexpected error detail %+v", ise)
	}
}

func TestReadDetectsCorruptDataShard(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	data := testData(4 * 1024)
	m := publish(t, bucket, "corrupt.bin", data, WithBlockSize(1024))

	key := m.ShardKey("corrupt.bin", 0, 2)
	bad := make([]byte, 1024)
	if err := bucket.WriteAll(ctx, key, bad, nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	r, err := NewShardReader(ctx, bucket, "corrupt.bin")
	if err != nil {
		t.Fatalf("NewShardReader: %v", err)
	}
	_, status, err := r.LoadStripe(ctx, 0)
	if err != nil {
		t.Fatalf("LoadStripe: %v", err)
	}
	if status[2] != ShardCorrupt {
		t.Errorf("expected shard 2 corrupt, got %s", status[2])
	}

	// The corrupt shard is skipped and parity fills in.
	got, err := r.DecodeStripe(ctx, 0)
	if err != nil {
		t.Fatalf("DecodeStripe: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("decoded data mismatch")
	}
}

func TestPublishEmptyInput(t *testing.T) {
	bucket := openBucket(t)
	m := publish(t, bucket, "empty.bin", nil)
	if m.TotalSize != 0 || len(m.Stripes) != 0 {
		t.Errorf("expected empty manifest, got %+v", m)
	}

	reader, err := ReadFromBucket(context.Background(), bucket, "empty.bin")
	if err != nil {
		t.Fatalf("ReadFromBucket: %v", err)
	}
	defer reader.Close()
	got, err := io.ReadAll(reader)
	if err != nil || len(got) != 0 {
		t.Errorf("expected empty read, got %d bytes, err=%v", len(got), err)
	}
}

func TestPublishRejectsBadParameters(t *testing.T) {
	bucket := openBucket(t)

	_, err := Publish(context.Background(), bucket, "x.bin", bytes.NewReader([]byte("x")), WithDataShards(0))
	var cfgErr *erasure.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError, got %v", err)
	}

	_, err = Publish(context.Background(), bucket, "x.bin", bytes.NewReader([]byte("x")), WithBlockSize(0))
	if err == nil {
		t.Error("expected error for zero block size")
	}
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n <= 0 {
		return 0, errors.New("disk on fire")
	}
	n := len(p)
	if n > f.n {
		n = f.n
	}
	f.n -= n
	return n, nil
}

func TestPublishCleansUpOnFailure(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	// First stripe succeeds, the second read fails.
	_, err := Publish(ctx, bucket, "dir/broken.bin", &failingReader{n: 4 * 1024}, WithBlockSize(1024))
	if err == nil {
		t.Fatal("expected publish error")
	}

	iter := bucket.List(&blob.ListOptions{Prefix: "dir/"})
	if obj, err := iter.Next(ctx); err != io.EOF {
		t.Errorf("expected no objects left, found %v (err=%v)", obj, err)
	}
}

func TestManifestHelpers(t *testing.T) {
	m := &Manifest{
		TotalSize:    2500,
		BlockSize:    1000,
		DataShards:   2,
		ParityShards: 1,
		PartsPrefix:  "f.shards/",
		Stripes: []StripeInfo{
			{Shards: []ShardInfo{{Object: "a"}, {Object: "b"}, {Object: "c"}}},
			{Shards: []ShardInfo{{Object: "d"}, {Object: "e"}, {Object: "f"}}},
		},
		Digests: []string{"0", "1", "2"},
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		stripe, index int
		dataLen       int64
		digest        bool
	}{
		{0, 0, 1000, true},
		{0, 1, 1000, true},
		{0, 2, 0, false},
		{1, 0, 500, true},
		{1, 1, 0, false},
	}
	for _, tt := range tests {
		if got := m.DataLen(tt.stripe, tt.index); got != tt.dataLen {
			t.Errorf("DataLen(%d,%d) = %d, want %d", tt.stripe, tt.index, got, tt.dataLen)
		}
		if _, ok := m.Digest(tt.stripe, tt.index); ok != tt.digest {
			t.Errorf("Digest(%d,%d) present = %v, want %v", tt.stripe, tt.index, ok, tt.digest)
		}
	}

	if got := m.ShardURL("http://host/dir/", 1, 2); got != "http://host/dir/f.shards/f" {
		t.Errorf("unexpected shard url %s", got)
	}
	if got := m.ShardKey("f", 0, 1); got != "f.shards/b" {
		t.Errorf("unexpected shard key %s", got)
	}

	base, err := BaseURL("http://host:8080/dir/f.manifest.json?sig=1")
	if err != nil || base != "http://host:8080/dir" {
		t.Errorf("BaseURL = %q, %v", base, err)
	}
	if !IsManifestURL("http://host/dir/f.manifest.json?sig=1") || IsManifestURL("http://host/dir/f.bin") {
		t.Error("IsManifestURL misclassified")
	}

	m.Stripes = m.Stripes[:1]
	if err := m.Validate(); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest, got %v", err)
	}
}
