// Package sharded stores files as Reed-Solomon coded shards in cloud storage.
//
// A file is cut into stripes of k blocks. Each stripe is encoded into k data
// shards (the blocks themselves) and m parity shards, and every shard is
// stored as its own object. A JSON manifest next to the file records the
// layout and the SHA-256 digest of every plaintext block. Any k shards of a
// stripe are enough to rebuild it. Storage is abstracted by gocloud.dev/blob.
//
// # Publishing
//
// Use [Publish] to encode a stream and write shards plus manifest.
//
// Options:
//   - [WithDataShards], [WithParityShards]: code parameters (default 4+2)
//   - [WithBlockSize]: size of every shard (default 256 KiB)
//   - [WithMirrors]: base URLs serving the same layout
//   - [WithMetadata]: caller-defined metadata stored in the manifest
//
// # Reading
//
// Use [Read] to open a stored file. It returns an io.ReadCloser that decodes
// stripes in order from whichever shards are intact. [ShardReader] gives
// random access to single shards and stripes.
//
// # Maintenance
//
// [Validate] checks shard presence and sizes, [ValidateDeep] also checks
// data shard digests, [Repair] rewrites missing or corrupt shards and
// [Delete] removes everything.
//
// # Storage Layout
//
//	{bucket}/{dir}/{name}.shards/stripe-000000/shard-000
//	{bucket}/{dir}/{name}.shards/stripe-000000/shard-001
//	...
//	{bucket}/{dir}/{name}.manifest.json
//
// Over HTTP a shard lives at {base}/{parts_prefix}{object}, where base is
// the directory holding the manifest or one of the mirrors.
//
// # Manifest Format
//
//	{
//	  "version": 1,
//	  "total_size": 1572864,
//	  "block_size": 262144,
//	  "data_shards": 4,
//	  "parity_shards": 2,
//	  "parts_prefix": "file.bin.shards/",
//	  "stripes": [
//	    {"shards": [{"object": "stripe-000000/shard-000", "size": 262144}, ...]},
//	    ...
//	  ],
//	  "block_digests": ["9f86d0...", ...],
//	  "mirrors": ["http://mirror.example.com/files"],
//	  "completed_at": "2025-01-15T10:30:00Z"
//	}
package sharded
