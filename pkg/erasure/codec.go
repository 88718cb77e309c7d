package erasure

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MaxShards is the largest n supported by GF(2^8).
const MaxShards = 256

// ErrInvalidBlockSize is returned by Encode when the block size is not positive.
var ErrInvalidBlockSize = errors.New("erasure: block size must be positive")

// ConfigError reports invalid codec parameters.
type ConfigError struct {
	DataShards   int
	ParityShards int
	Reason       string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("erasure: invalid parameters k=%d m=%d: %s", e.DataShards, e.ParityShards, e.Reason)
}

// InsufficientShardsError is returned when a stripe has fewer than k usable
// shards.
type InsufficientShardsError struct {
	Stripe int
	Have   int
	Need   int
}

func (e *InsufficientShardsError) Error() string {
	return fmt.Sprintf("erasure: stripe %d has %d of %d required shards", e.Stripe, e.Have, e.Need)
}

// Shard is one encoded output of a stripe.
type Shard struct {
	Stripe int
	Index  int
	Data   []byte
	// Origin is the endpoint the shard was fetched from, empty when produced
	// locally.
	Origin string
}

// Codec encodes and decodes stripes for fixed (k, m).
// A Codec is safe for concurrent use.
type Codec struct {
	k, m, n int
	enc     Matrix

	decoders sync.Map // string(indices) -> Matrix
}

// New builds a codec with k data shards and m parity shards.
func New(k, m int) (*Codec, error) {
	switch {
	case k < 1:
		return nil, &ConfigError{DataShards: k, ParityShards: m, Reason: "need at least one data shard"}
	case m < 0:
		return nil, &ConfigError{DataShards: k, ParityShards: m, Reason: "parity shards cannot be negative"}
	case k+m > MaxShards:
		return nil, &ConfigError{DataShards: k, ParityShards: m, Reason: fmt.Sprintf("total shards exceed %d", MaxShards)}
	}

	n := k + m
	v := vandermonde(n, k)
	topInv, err := v.SubMatrix(0, 0, k, k).Invert()
	if err != nil {
		// Distinct evaluation points make the top square a regular Vandermonde matrix.
		return nil, fmt.Errorf("erasure: build encoding matrix: %w", err)
	}
	enc, err := v.Multiply(topInv)
	if err != nil {
		return nil, err
	}

	return &Codec{k: k, m: m, n: n, enc: enc}, nil
}

// DataShards returns k.
func (c *Codec) DataShards() int { return c.k }

// ParityShards returns m.
func (c *Codec) ParityShards() int { return c.m }

// TotalShards returns n.
func (c *Codec) TotalShards() int { return c.n }

// Matrix returns a copy of the n×k encoding matrix.
func (c *Codec) Matrix() Matrix {
	return c.enc.Clone()
}

// StripeCount returns how many stripes Encode produces for size bytes.
func (c *Codec) StripeCount(size int64, blockSize int) int {
	if size <= 0 || blockSize <= 0 {
		return 0
	}
	stripe := int64(c.k) * int64(blockSize)
	return int((size + stripe - 1) / stripe)
}

// Encode pads data with zeros to a multiple of k·blockSize and encodes every
// stripe. The result is indexed by stripe and then by shard index.
func (c *Codec) Encode(data []byte, blockSize int) ([][]Shard, error) {
	if blockSize <= 0 {
		return nil, ErrInvalidBlockSize
	}
	if len(data) == 0 {
		return nil, nil
	}

	stripes := c.StripeCount(int64(len(data)), blockSize)
	padded := make([]byte, stripes*c.k*blockSize)
	copy(padded, data)

	out := make([][]Shard, stripes)
	for s := 0; s < stripes; s++ {
		base := s * c.k * blockSize
		blocks := make([][]byte, c.k)
		for i := range blocks {
			blocks[i] = padded[base+i*blockSize : base+(i+1)*blockSize]
		}
		encoded, err := c.EncodeStripe(blocks)
		if err != nil {
			return nil, err
		}
		out[s] = make([]Shard, c.n)
		for i, b := range encoded {
			out[s][i] = Shard{Stripe: s, Index: i, Data: b}
		}
	}
	return out, nil
}

// EncodeStripe multiplies the encoding matrix by k equal-length blocks and
// returns n freshly allocated shards.
func (c *Codec) EncodeStripe(blocks [][]byte) ([][]byte, error) {
	if len(blocks) != c.k {
		return nil, fmt.Errorf("erasure: stripe has %d blocks, want %d", len(blocks), c.k)
	}
	size := len(blocks[0])
	for i, b := range blocks {
		if len(b) != size {
			return nil, fmt.Errorf("erasure: block %d has %d bytes, want %d", i, len(b), size)
		}
	}

	out := make([][]byte, c.n)
	for r := 0; r < c.n; r++ {
		out[r] = make([]byte, size)
		for col, coef := range c.enc[r] {
			mulAddSlice(coef, blocks[col], out[r])
		}
	}
	return out, nil
}

// DecodeStripe recovers the k data blocks of one stripe from at least k
// distinct shards. Duplicate indices are ignored after the first occurrence.
func (c *Codec) DecodeStripe(shards []Shard) ([][]byte, error) {
	stripe := 0
	if len(shards) > 0 {
		stripe = shards[0].Stripe
	}

	seen := make(map[int]bool, len(shards))
	picked := make([]Shard, 0, c.k)
	for _, s := range shards {
		if s.Stripe != stripe {
			return nil, fmt.Errorf("erasure: shard from stripe %d mixed into stripe %d", s.Stripe, stripe)
		}
		if s.Index < 0 || s.Index >= c.n {
			return nil, fmt.Errorf("erasure: shard index %d out of range [0, %d)", s.Index, c.n)
		}
		if seen[s.Index] {
			continue
		}
		seen[s.Index] = true
		picked = append(picked, s)
	}
	if len(picked) < c.k {
		return nil, &InsufficientShardsError{Stripe: stripe, Have: len(picked), Need: c.k}
	}

	// Lower indices first: data shards need no arithmetic.
	sort.Slice(picked, func(i, j int) bool { return picked[i].Index < picked[j].Index })
	picked = picked[:c.k]

	size := len(picked[0].Data)
	for _, s := range picked {
		if len(s.Data) != size {
			return nil, fmt.Errorf("erasure: stripe %d shard %d has %d bytes, want %d", stripe, s.Index, len(s.Data), size)
		}
	}

	indices := make([]int, c.k)
	for i, s := range picked {
		indices[i] = s.Index
	}

	blocks := make([][]byte, c.k)
	if indices[c.k-1] == c.k-1 {
		for i, s := range picked {
			blocks[i] = append([]byte(nil), s.Data...)
		}
		return blocks, nil
	}

	dec, err := c.decoder(indices)
	if err != nil {
		return nil, err
	}
	for r := 0; r < c.k; r++ {
		blocks[r] = make([]byte, size)
		for j, coef := range dec[r] {
			mulAddSlice(coef, picked[j].Data, blocks[r])
		}
	}
	return blocks, nil
}

// Decode reassembles the original bytes from shards of every stripe and
// truncates the result to originalSize.
func (c *Codec) Decode(shards []Shard, originalSize int64) ([]byte, error) {
	if originalSize <= 0 {
		return []byte{}, nil
	}

	byStripe := make(map[int][]Shard)
	maxStripe := -1
	for _, s := range shards {
		if s.Stripe < 0 {
			return nil, fmt.Errorf("erasure: negative stripe index %d", s.Stripe)
		}
		byStripe[s.Stripe] = append(byStripe[s.Stripe], s)
		if s.Stripe > maxStripe {
			maxStripe = s.Stripe
		}
	}
	if maxStripe < 0 {
		return nil, &InsufficientShardsError{Stripe: 0, Have: 0, Need: c.k}
	}

	out := make([]byte, 0, int64(maxStripe+1)*int64(c.k)*int64(len(shards[0].Data)))
	for s := 0; s <= maxStripe; s++ {
		group, ok := byStripe[s]
		if !ok {
			return nil, &InsufficientShardsError{Stripe: s, Have: 0, Need: c.k}
		}
		blocks, err := c.DecodeStripe(group)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			out = append(out, b...)
		}
	}

	if int64(len(out)) < originalSize {
		return nil, fmt.Errorf("erasure: decoded %d bytes, original size is %d", len(out), originalSize)
	}
	return out[:originalSize], nil
}

// Repair rebuilds all n shards of a stripe from any k of them.
func (c *Codec) Repair(shards []Shard) ([]Shard, error) {
	blocks, err := c.DecodeStripe(shards)
	if err != nil {
		return nil, err
	}
	encoded, err := c.EncodeStripe(blocks)
	if err != nil {
		return nil, err
	}

	stripe := shards[0].Stripe
	out := make([]Shard, c.n)
	for i, b := range encoded {
		out[i] = Shard{Stripe: stripe, Index: i, Data: b}
	}
	return out, nil
}

// decoder returns the cached inverse of the encoding rows at indices.
func (c *Codec) decoder(indices []int) (Matrix, error) {
	var sb strings.Builder
	for i, idx := range indices {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(idx))
	}
	key := sb.String()

	if m, ok := c.decoders.Load(key); ok {
		return m.(Matrix), nil
	}
	inv, err := c.enc.SelectRows(indices).Invert()
	if err != nil {
		return nil, fmt.Errorf("erasure: invert rows %s: %w", key, err)
	}
	c.decoders.Store(key, inv)
	return inv, nil
}
