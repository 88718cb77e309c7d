package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Options configures the progress reporter.
type Options struct {
	// TotalSize is the size in bytes of the file being assembled.
	TotalSize int64

	// TotalShards is the number of shards or chunks the plan needs.
	TotalShards int

	// Workers is the number of parallel fetch workers.
	Workers int

	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// SourceURL is the URL being downloaded (for display).
	SourceURL string

	// ShardSize is the size of each shard or chunk (for display).
	ShardSize int64

	// Erasure is the "k+m" code label, empty for plain downloads.
	Erasure string
}

// Reporter outputs human-readable progress information.
type Reporter struct {
	opts Options

	mu              sync.Mutex
	completedBytes  atomic.Int64
	completedShards atomic.Int32
	inProgress      atomic.Int32
	failedShards    atomic.Int32
	substituted     atomic.Int32
	startTime       time.Time
	lastUpdate      time.Time
	lastBytes       int64
	stopCh          chan struct{}
	doneCh          chan struct{}
	started         bool
	stopped         bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start prints the header and begins periodic updates.
func (r *Reporter) Start() {
	r.mu.Lock()
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[fecget] Downloading: %s\n", r.opts.SourceURL)
	code := "plain"
	if r.opts.Erasure != "" {
		code = "RS " + r.opts.Erasure
	}
	fmt.Fprintf(r.opts.Output, "[fecget] Total size: %s | Shards: %d x %s | Code: %s | Workers: %d\n",
		FormatBytes(r.opts.TotalSize),
		r.opts.TotalShards,
		FormatBytes(r.opts.ShardSize),
		code,
		r.opts.Workers,
	)

	go r.updateLoop()
}

// Stop prints the final status and stops the updates. It waits for the
// update loop to exit.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// ShardStarted marks a shard fetch as in progress.
func (r *Reporter) ShardStarted() {
	r.inProgress.Add(1)
}

// BytesWritten counts n verified bytes.
func (r *Reporter) BytesWritten(n int64) {
	r.completedBytes.Add(n)
}

// ShardCompleted marks an in-progress shard as done.
func (r *Reporter) ShardCompleted() {
	r.completedShards.Add(1)
	r.inProgress.Add(-1)
}

// ShardFailed removes a shard from the in-progress count.
func (r *Reporter) ShardFailed() {
	r.failedShards.Add(1)
	r.inProgress.Add(-1)
}

// ShardSubstituted counts a lost shard replaced by a parity shard.
func (r *Reporter) ShardSubstituted() {
	r.substituted.Add(1)
}

func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) printProgress() {
	now := time.Now()
	completed := r.completedBytes.Load()
	completedShards := int(r.completedShards.Load())
	inProgress := int(r.inProgress.Load())

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(completed-r.lastBytes) / elapsed

	r.lastUpdate = now
	r.lastBytes = completed

	var percent float64
	eta := "calculating..."
	if r.opts.TotalSize > 0 {
		percent = float64(completed) / float64(r.opts.TotalSize) * 100
		if percent > 100 {
			percent = 100
		}
		if speed > 0 && completed < r.opts.TotalSize {
			remaining := float64(r.opts.TotalSize - completed)
			eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
		}
	}

	pending := r.opts.TotalShards - completedShards - inProgress
	if pending < 0 {
		pending = 0
	}

	fmt.Fprintf(r.opts.Output, "\r[fecget] Progress: %.1f%% | %s / %s | Speed: %s/s | ETA: %s    ",
		percent,
		FormatBytes(completed),
		FormatBytes(r.opts.TotalSize),
		FormatBytes(int64(speed)),
		eta,
	)
	fmt.Fprintf(r.opts.Output, "\n[fecget] Shards: %d completed | %d in-progress | %d pending | %d failed | %d substituted    \033[A",
		completedShards,
		inProgress,
		pending,
		r.failedShards.Load(),
		r.substituted.Load(),
	)
}

func (r *Reporter) printFinalStatus() {
	completed := r.completedBytes.Load()
	duration := time.Since(r.startTime)
	var avgSpeed float64
	if s := duration.Seconds(); s > 0 {
		avgSpeed = float64(completed) / s
	}

	fmt.Fprintf(r.opts.Output, "\r[fecget] Progress: %s / %s | Speed: %s/s | Done    \n",
		FormatBytes(completed),
		FormatBytes(r.opts.TotalSize),
		FormatBytes(int64(avgSpeed)),
	)
	fmt.Fprintf(r.opts.Output, "[fecget] Shards: %d completed | %d failed | %d substituted    \n",
		r.completedShards.Load(),
		r.failedShards.Load(),
		r.substituted.Load(),
	)
	fmt.Fprintf(r.opts.Output, "[fecget] Total time: %s | Average speed: %s/s\n",
		formatDuration(duration),
		FormatBytes(int64(avgSpeed)),
	)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats b with binary units, e.g. "1.5 KiB".
func FormatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

// ParseBytes parses a human-readable size. Binary suffixes (KiB, MiB) are
// powers of 1024 and SI suffixes (KB, MB) powers of 1000.
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string %q: %w", s, err)
	}
	return int64(n), nil
}
