// Package erasure implements a systematic Reed-Solomon erasure code over GF(2^8).
//
// A file is cut into stripes of k equal-length blocks. Each stripe is
// multiplied by an n×k encoding matrix to produce n = k+m shards. The first k
// shards are the data blocks verbatim; the remaining m are parity. Any k
// shards of a stripe are enough to recover it.
//
// # Construction
//
// The encoding matrix starts as a Vandermonde matrix V with row i equal to
// [1, i, i², …, i^(k-1)] and is made systematic by multiplying with the
// inverse of its top k×k square:
//
//	E = V · inv(V[0:k])
//
// Every k-row submatrix of E stays invertible, so decoding never meets a
// singular system. The field uses the polynomial 0x11D with generator 2, which
// makes parity output compatible with github.com/klauspost/reedsolomon.
//
// # Usage
//
//	codec, err := erasure.New(4, 2)
//	stripes, err := codec.Encode(data, 256*1024)
//
//	// any 4 of the 6 shards of every stripe
//	out, err := codec.Decode(survivors, int64(len(data)))
//
//	// regenerate lost parity for re-seeding
//	all, err := codec.Repair(anyFourOfStripe)
package erasure
