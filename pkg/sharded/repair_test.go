package sharded

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestRepair(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	data := testData(9 * 1024)
	m := publish(t, bucket, "fix/me.bin", data, WithBlockSize(1024), WithDataShards(4), WithParityShards(2))

	original, err := bucket.ReadAll(ctx, m.ShardKey("fix/me.bin", 0, 5))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	// Stripe 0: a missing data shard and a corrupt parity shard.
	// Stripe 2: a corrupt data shard.
	bucket.Delete(ctx, m.ShardKey("fix/me.bin", 0, 1))
	bucket.WriteAll(ctx, m.ShardKey("fix/me.bin", 0, 5), bytes.Repeat([]byte{0xff}, 1024), nil)
	bucket.WriteAll(ctx, m.ShardKey("fix/me.bin", 2, 0), bytes.Repeat([]byte{0x01}, 1024), nil)

	result, err := Repair(ctx, bucket, "fix/me.bin")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}

	want := []ShardRef{{0, 1}, {0, 5}, {2, 0}}
	if len(result.Rewritten) != len(want) {
		t.Fatalf("expected rewritten %v, got %v", want, result.Rewritten)
	}
	for i := range want {
		if result.Rewritten[i] != want[i] {
			t.Errorf("rewritten[%d] = %v, want %v", i, result.Rewritten[i], want[i])
		}
	}

	fixed, _ := bucket.ReadAll(ctx, m.ShardKey("fix/me.bin", 0, 5))
	if !bytes.Equal(fixed, original) {
		t.Error("parity shard not restored")
	}

	v, err := ValidateDeep(ctx, bucket, "fix/me.bin")
	if err != nil || !v.Valid {
		t.Fatalf("expected valid after repair: %v %v", err, v)
	}

	reader, err := ReadFromBucket(ctx, bucket, "fix/me.bin")
	if err != nil {
		t.Fatalf("ReadFromBucket: %v", err)
	}
	defer reader.Close()
	got, _ := io.ReadAll(reader)
	if !bytes.Equal(got, data) {
		t.Error("data mismatch after repair")
	}

	// A healthy file needs nothing.
	again, err := Repair(ctx, bucket, "fix/me.bin")
	if err != nil || len(again.Rewritten) != 0 {
		t.Errorf("expected no-op repair, got %v %v", again, err)
	}
}

func TestRepairUnrecoverable(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	m := publish(t, bucket, "lost.bin", testData(2048), WithBlockSize(1024), WithDataShards(2), WithParityShards(1))
	bucket.Delete(ctx, m.ShardKey("lost.bin", 0, 0))
	bucket.Delete(ctx, m.ShardKey("lost.bin", 0, 2))

	_, err := Repair(ctx, bucket, "lost.bin")
	if err == nil {
		t.Fatal("expected repair to fail")
	}
	if errors.Is(err, ErrUnrepairable) {
		t.Error("insufficient shards should be reported as such")
	}
}
