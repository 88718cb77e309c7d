package peers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/fecget/internal/http"
)

const (
	// DefaultProbeSize is the number of bytes fetched by a probe.
	DefaultProbeSize = 1024 * 1024

	// DefaultProbeTTL is how long a probe result stays fresh.
	DefaultProbeTTL = 300 * time.Second

	// DefaultTopN is how many URLs SelectOptimal keeps per chunk.
	DefaultTopN = 3

	// DefaultRetestThreshold is the throughput below which RetestBelow
	// re-probes an endpoint, in bytes per second.
	DefaultRetestThreshold = 100 * 1024

	// MaxFailures is the number of consecutive failures that makes an
	// endpoint unreliable.
	MaxFailures = 3

	minProbeDuration = time.Millisecond
)

// Fetcher downloads a byte range. *http.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, chunk int, rng *http.ByteRange) (*http.Result, error)
}

// Record is what the ranker knows about one endpoint.
type Record struct {
	Endpoint   Endpoint
	Throughput float64 // bytes per second, from the latest probe or fetch
	Failures   int     // consecutive
	LastProbe  time.Time

	// probeURL is the last URL seen for the endpoint, reused by RetestBelow.
	probeURL string
}

// Reliable reports whether the endpoint may be assigned work.
func (r Record) Reliable() bool {
	return r.Failures < MaxFailures && r.Throughput > 0
}

// Options configures a Ranker.
type Options struct {
	ProbeSize   int64
	ProbeTTL    time.Duration
	TopN        int
	Concurrency int // parallel probes, default 8
	Now         func() time.Time
	Logger      logrus.FieldLogger
}

// Ranker probes endpoints and orders candidate URLs by throughput.
// It is safe for concurrent use.
type Ranker struct {
	fetcher Fetcher
	opts    Options

	mu      sync.Mutex
	records map[Endpoint]*Record
}

// NewRanker creates a Ranker probing through fetcher.
func NewRanker(fetcher Fetcher, opts Options) *Ranker {
	if opts.ProbeSize <= 0 {
		opts.ProbeSize = DefaultProbeSize
	}
	if opts.ProbeTTL <= 0 {
		opts.ProbeTTL = DefaultProbeTTL
	}
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Ranker{
		fetcher: fetcher,
		opts:    opts,
		records: make(map[Endpoint]*Record),
	}
}

// Probe fetches the first ProbeSize bytes of rawURL and records the
// measured throughput for its endpoint. On failure the endpoint gets zero
// throughput and one more consecutive failure.
func (r *Ranker) Probe(ctx context.Context, rawURL string) (float64, error) {
	ep, err := ParseEndpoint(rawURL)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	res, err := r.fetcher.Fetch(ctx, rawURL, -1, &http.ByteRange{Start: 0, End: r.opts.ProbeSize - 1})
	elapsed := time.Since(start)
	if elapsed < minProbeDuration {
		elapsed = minProbeDuration
	}

	if err != nil && ctx.Err() != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordLocked(ep)
	rec.LastProbe = r.opts.Now()
	rec.probeURL = rawURL

	if err != nil {
		rec.Throughput = 0
		rec.Failures++
		r.opts.Logger.WithFields(logrus.Fields{
			"endpoint": ep.String(),
			"failures": rec.Failures,
		}).WithError(err).Debug("Probe failed")
		return 0, err
	}

	rec.Throughput = float64(len(res.Data)) / elapsed.Seconds()
	rec.Failures = 0
	r.opts.Logger.WithFields(logrus.Fields{
		"endpoint":   ep.String(),
		"throughput": int64(rec.Throughput),
	}).Debug("Probe succeeded")
	return rec.Throughput, nil
}

// SelectOptimal ranks the candidate URLs of every chunk. Endpoints not
// probed within ProbeTTL are probed first, concurrently. For each chunk it
// keeps the URLs whose endpoint is reliable, sorted by throughput with ties
// in input order, and truncates to TopN.
func (r *Ranker) SelectOptimal(ctx context.Context, locations map[int][]string) map[int][]string {
	if len(locations) == 0 {
		return map[int][]string{}
	}

	stale := r.staleEndpoints(locations)
	r.probeAll(ctx, stale)

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[int][]string, len(locations))
	for chunk, urls := range locations {
		type candidate struct {
			url        string
			throughput float64
		}
		var ranked []candidate
		for _, u := range urls {
			ep, err := ParseEndpoint(u)
			if err != nil {
				continue
			}
			rec, ok := r.records[ep]
			if !ok || !rec.Reliable() {
				continue
			}
			ranked = append(ranked, candidate{url: u, throughput: rec.Throughput})
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].throughput > ranked[j].throughput
		})
		if len(ranked) > r.opts.TopN {
			ranked = ranked[:r.opts.TopN]
		}
		list := make([]string, len(ranked))
		for i, c := range ranked {
			list[i] = c.url
		}
		out[chunk] = list
	}
	return out
}

// Ranking returns every record, fastest first.
func (r *Ranker) Ranking() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Throughput != out[j].Throughput {
			return out[i].Throughput > out[j].Throughput
		}
		return out[i].Endpoint.String() < out[j].Endpoint.String()
	})
	return out
}

// Best returns up to n endpoints, fastest first.
func (r *Ranker) Best(n int) []Endpoint {
	ranking := r.Ranking()
	if n > len(ranking) {
		n = len(ranking)
	}
	out := make([]Endpoint, 0, n)
	for _, rec := range ranking[:n] {
		out = append(out, rec.Endpoint)
	}
	return out
}

// Record returns the record of ep, if any.
func (r *Ranker) Record(ep Endpoint) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[ep]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// RetestBelow re-probes every known endpoint whose throughput is under
// threshold bytes per second.
func (r *Ranker) RetestBelow(ctx context.Context, threshold float64) {
	r.mu.Lock()
	var urls []string
	for _, rec := range r.records {
		if rec.Throughput < threshold && rec.probeURL != "" {
			urls = append(urls, rec.probeURL)
		}
	}
	r.mu.Unlock()

	r.probeAll(ctx, urls)
}

// RecordSuccess folds a completed fetch of n bytes into the endpoint record.
func (r *Ranker) RecordSuccess(rawURL string, n int64, elapsed time.Duration) {
	ep, err := ParseEndpoint(rawURL)
	if err != nil {
		return
	}
	if elapsed < minProbeDuration {
		elapsed = minProbeDuration
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordLocked(ep)
	rec.Throughput = float64(n) / elapsed.Seconds()
	rec.Failures = 0
	rec.probeURL = rawURL
}

// RecordFailure counts a failed fetch against the endpoint of rawURL.
func (r *Ranker) RecordFailure(rawURL string) {
	ep, err := ParseEndpoint(rawURL)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordLocked(ep)
	rec.Failures++
	rec.probeURL = rawURL
}

// Reset forgets every record.
func (r *Ranker) Reset() {
	r.mu.Lock()
	r.records = make(map[Endpoint]*Record)
	r.mu.Unlock()
}

func (r *Ranker) recordLocked(ep Endpoint) *Record {
	rec, ok := r.records[ep]
	if !ok {
		rec = &Record{Endpoint: ep}
		r.records[ep] = rec
	}
	return rec
}

// staleEndpoints returns one URL per endpoint whose probe is missing or
// older than ProbeTTL.
func (r *Ranker) staleEndpoints(locations map[int][]string) []string {
	chunks := make([]int, 0, len(locations))
	for c := range locations {
		chunks = append(chunks, c)
	}
	sort.Ints(chunks)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	seen := make(map[Endpoint]bool)
	var urls []string
	for _, c := range chunks {
		for _, u := range locations[c] {
			ep, err := ParseEndpoint(u)
			if err != nil || seen[ep] {
				continue
			}
			seen[ep] = true
			rec, ok := r.records[ep]
			if ok && now.Sub(rec.LastProbe) <= r.opts.ProbeTTL {
				continue
			}
			urls = append(urls, u)
		}
	}
	return urls
}

func (r *Ranker) probeAll(ctx context.Context, urls []string) {
	if len(urls) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			_, err := r.Probe(gctx, u)
			if errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}
