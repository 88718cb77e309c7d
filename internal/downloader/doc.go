// Package downloader retrieves one file from unreliable HTTP sources.
//
// An Orchestrator moves a transfer through
//
//	Idle -> Planning -> Fetching -> Assembling -> Validating -> Completed
//
// and ends in Failed or Cancelled when something goes wrong. Every
// terminal state returns to Idle once the result is stored, so the next
// transfer may start. Illegal transitions are rejected by State.CanTransition.
//
// # Sources
//
// A source ending in ".manifest.json" names an erasure-coded shard set
// written by sharded.Publish. The orchestrator fetches the k data shards
// of every stripe and only fetches parity shards to replace data shards
// that failed on every location. Any other source is a plain file read in
// byte ranges of download.chunk_size.
//
// # Worker Pool
//
// A dispatcher goroutine owns the shard table and feeds
// max_concurrent_downloads workers over a channel. Before each request a
// worker waits on the pause gate, the shared bandwidth shaper and the
// per-transfer speed limit. A failed or unverifiable chunk moves to the next
// ranked location, at most download.max_reassignments times.
//
// # Output
//
// Assembled bytes go to a temporary file in storage.temp_path, are checked
// against the manifest digests and are then moved to the destination. On
// failure or cancellation the temporary file is removed.
//
// # Usage
//
//	o, err := downloader.New(downloader.Options{Config: cfg, Logger: log})
//	res, err := o.Run(ctx, downloader.Request{
//	    Source:      "https://mirror.example/data.bin.manifest.json",
//	    Destination: "data.bin",
//	}, nil)
package downloader
