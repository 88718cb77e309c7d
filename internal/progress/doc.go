// Package progress prints human-readable download progress.
//
// The reporter is driven by orchestrator events; it never inspects the
// transfer itself.
//
//	reporter := progress.NewReporter(progress.Options{
//	    TotalSize:   size,
//	    TotalShards: shards,
//	    Erasure:     "4+2",
//	})
//	reporter.Start()
//	defer reporter.Stop()
//
// # Output Format
//
//	[fecget] Downloading: https://mirror.example/data.bin.manifest.json
//	[fecget] Total size: 1.5 MiB | Shards: 12 x 256 KiB | Code: RS 4+2 | Workers: 4
//	[fecget] Progress: 66.7% | 1.0 MiB / 1.5 MiB | Speed: 3.2 MiB/s | ETA: 0s
//	[fecget] Shards: 5 completed | 3 in-progress | 4 pending | 1 failed | 1 substituted
package progress
