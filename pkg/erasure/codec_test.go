package erasure

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/klauspost/reedsolomon"
	"github.com/stretchr/testify/require"
)

func testData(size int, seed int64) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

// combinations calls fn with every k-element subset of [0, n).
func combinations(n, k int, fn func([]int)) {
	idx := make([]int, k)
	var rec func(start, depth int)
	rec = func(start, depth int) {
		if depth == k {
			fn(append([]int(nil), idx...))
			return
		}
		for i := start; i <= n-(k-depth); i++ {
			idx[depth] = i
			rec(i+1, depth+1)
		}
	}
	rec(0, 0)
}

func TestNewRejectsInvalidParams(t *testing.T) {
	tests := []struct {
		name string
		k, m int
	}{
		{"zero data shards", 0, 2},
		{"negative parity", 4, -1},
		{"too many shards", 200, 57},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.k, tt.m)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, tt.k, cfgErr.DataShards)
			require.Equal(t, tt.m, cfgErr.ParityShards)
		})
	}

	_, err := New(200, 56)
	require.NoError(t, err)
}

func TestEncodeIsSystematic(t *testing.T) {
	codec, err := New(4, 2)
	require.NoError(t, err)

	data := testData(4*1024, 1)
	stripes, err := codec.Encode(data, 1024)
	require.NoError(t, err)
	require.Len(t, stripes, 1)
	require.Len(t, stripes[0], 6)

	for i := 0; i < 4; i++ {
		require.Equal(t, data[i*1024:(i+1)*1024], stripes[0][i].Data, "data shard %d", i)
	}
	for _, s := range stripes[0] {
		require.Len(t, s.Data, 1024)
		require.Equal(t, 0, s.Stripe)
	}
}

func TestEncodeEmptyInput(t *testing.T) {
	codec, err := New(3, 1)
	require.NoError(t, err)

	stripes, err := codec.Encode(nil, 64)
	require.NoError(t, err)
	require.Empty(t, stripes)

	_, err = codec.Encode([]byte("x"), 0)
	require.ErrorIs(t, err, ErrInvalidBlockSize)
}

func TestParityMatchesKlauspost(t *testing.T) {
	for _, p := range []struct{ k, m int }{{4, 2}, {6, 3}, {10, 4}, {1, 1}} {
		codec, err := New(p.k, p.m)
		require.NoError(t, err)

		blockSize := 512
		data := testData(p.k*blockSize, int64(p.k*31+p.m))
		stripes, err := codec.Encode(data, blockSize)
		require.NoError(t, err)

		ref, err := reedsolomon.New(p.k, p.m)
		require.NoError(t, err)
		shards := make([][]byte, p.k+p.m)
		for i := range shards {
			if i < p.k {
				shards[i] = append([]byte(nil), data[i*blockSize:(i+1)*blockSize]...)
			} else {
				shards[i] = make([]byte, blockSize)
			}
		}
		require.NoError(t, ref.Encode(shards))

		for i := p.k; i < p.k+p.m; i++ {
			require.True(t, bytes.Equal(shards[i], stripes[0][i].Data), "k=%d m=%d parity %d", p.k, p.m, i)
		}
	}
}

func TestDecodeAnyKShards(t *testing.T) {
	params := []struct{ k, m int }{{1, 0}, {1, 2}, {2, 1}, {3, 2}, {4, 2}, {5, 3}}
	sizes := []int{1, 17, 1000, 4096, 10007}

	for _, p := range params {
		codec, err := New(p.k, p.m)
		require.NoError(t, err)

		for _, size := range sizes {
			data := testData(size, int64(size))
			stripes, err := codec.Encode(data, 128)
			require.NoError(t, err)

			combinations(p.k+p.m, p.k, func(keep []int) {
				var survivors []Shard
				for _, stripe := range stripes {
					// Reverse order so indices are never presorted.
					for i := len(keep) - 1; i >= 0; i-- {
						survivors = append(survivors, stripe[keep[i]])
					}
				}
				out, err := codec.Decode(survivors, int64(size))
				require.NoError(t, err, "k=%d m=%d size=%d keep=%v", p.k, p.m, size, keep)
				require.Equal(t, data, out, "k=%d m=%d size=%d keep=%v", p.k, p.m, size, keep)
			})
		}
	}
}

func TestEveryKRowSubmatrixInvertible(t *testing.T) {
	for _, p := range []struct{ k, m int }{{1, 1}, {2, 2}, {3, 3}, {4, 2}, {5, 5}, {6, 4}} {
		codec, err := New(p.k, p.m)
		require.NoError(t, err)
		enc := codec.Matrix()

		combinations(p.k+p.m, p.k, func(rows []int) {
			sub := enc.SelectRows(rows)
			inv, err := sub.Invert()
			require.NoError(t, err, "k=%d m=%d rows=%v", p.k, p.m, rows)
			prod, err := sub.Multiply(inv)
			require.NoError(t, err)
			require.True(t, prod.IsIdentity(), "k=%d m=%d rows=%v", p.k, p.m, rows)
		})
	}

	// Large parameters are sampled rather than enumerated.
	codec, err := New(32, 224)
	require.NoError(t, err)
	enc := codec.Matrix()
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		rows := rng.Perm(256)[:32]
		_, err := enc.SelectRows(rows).Invert()
		require.NoError(t, err, "rows=%v", rows)
	}
}

func TestTwoStripeScenario(t *testing.T) {
	// 1.5 MiB in 1 MiB stripes of four 256 KiB blocks.
	codec, err := New(4, 2)
	require.NoError(t, err)

	data := testData(1536*1024, 42)
	stripes, err := codec.Encode(data, 256*1024)
	require.NoError(t, err)
	require.Len(t, stripes, 2)

	total := 0
	for _, s := range stripes {
		total += len(s)
	}
	require.Equal(t, 12, total)

	combinations(6, 2, func(lost []int) {
		var survivors []Shard
		for _, stripe := range stripes {
			for _, sh := range stripe {
				if sh.Index != lost[0] && sh.Index != lost[1] {
					survivors = append(survivors, sh)
				}
			}
		}
		out, err := codec.Decode(survivors, int64(len(data)))
		require.NoError(t, err, "lost=%v", lost)
		require.True(t, bytes.Equal(data, out), "lost=%v", lost)
	})
}

func TestDecodeInsufficientShards(t *testing.T) {
	codec, err := New(4, 2)
	require.NoError(t, err)

	data := testData(8*100, 3)
	stripes, err := codec.Encode(data, 100)
	require.NoError(t, err)
	require.Len(t, stripes, 2)

	// Stripe 1 keeps three distinct indices; a duplicate does not count.
	survivors := append([]Shard{}, stripes[0][:4]...)
	survivors = append(survivors, stripes[1][0], stripes[1][4], stripes[1][5], stripes[1][5])

	_, err = codec.Decode(survivors, int64(len(data)))
	var insufficient *InsufficientShardsError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, 1, insufficient.Stripe)
	require.Equal(t, 3, insufficient.Have)
	require.Equal(t, 4, insufficient.Need)

	_, err = codec.Decode(stripes[1], int64(len(data)))
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, 0, insufficient.Stripe)
}

func TestRepairRegeneratesAllShards(t *testing.T) {
	codec, err := New(4, 3)
	require.NoError(t, err)

	stripes, err := codec.Encode(testData(4*256, 9), 256)
	require.NoError(t, err)
	original := stripes[0]

	combinations(7, 4, func(keep []int) {
		var survivors []Shard
		for _, i := range keep {
			survivors = append(survivors, original[i])
		}
		repaired, err := codec.Repair(survivors)
		require.NoError(t, err)
		require.Len(t, repaired, 7)
		for i := range original {
			require.Equal(t, original[i].Data, repaired[i].Data, "keep=%v shard=%d", keep, i)
		}
	})
}

func TestDecodeRejectsMismatchedLengths(t *testing.T) {
	codec, err := New(2, 1)
	require.NoError(t, err)

	_, err = codec.DecodeStripe([]Shard{
		{Index: 0, Data: []byte{1, 2}},
		{Index: 2, Data: []byte{1}},
	})
	require.Error(t, err)

	_, err = codec.DecodeStripe([]Shard{
		{Index: 0, Data: []byte{1}},
		{Index: 3, Data: []byte{1}},
	})
	require.Error(t, err)
}
