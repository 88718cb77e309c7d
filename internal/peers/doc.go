// Package peers measures source endpoints and ranks them for chunk
// assignment.
//
// Every URL is reduced to its Endpoint (scheme, host, port). A Ranker keeps
// one Record per endpoint holding the latest probe throughput and the count
// of consecutive failures. An endpoint is reliable while it has fewer than
// three consecutive failures and a positive throughput.
//
// # Usage
//
//	ranker := peers.NewRanker(client, peers.Options{})
//	ranked := ranker.SelectOptimal(ctx, map[int][]string{
//	    0: {"http://a/file", "http://b/file"},
//	})
//	// ranked[0] holds at most three reliable URLs, fastest first.
package peers
