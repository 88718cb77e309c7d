// Package http fetches file chunks from HTTP sources.
//
// This package handles:
//   - Connection pooling for high parallelism
//   - HEAD requests to size a remote file
//   - Whole-object and ranged GETs with fixed-delay retries
//   - Bounded parallel batches of chunk fetches
//   - The peer session protocol (/ping, /data, /info)
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    Timeout:       30 * time.Second,
//	    RetryAttempts: 3,
//	    RetryBackoff:  time.Second,
//	})
//
//	// Fetch bytes 0..1023
//	res, err := client.Fetch(ctx, url, 0, &http.ByteRange{Start: 0, End: 1023})
//
//	// A 416 reply is terminal; anything else is retried and then
//	// reported as *RetryError.
//	var rerr *http.RetryError
//	if errors.As(err, &rerr) { ... }
package http
