package progress

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestByteSizes(t *testing.T) {
	formatted := map[int64]string{
		0:           "0 B",
		512:         "512 B",
		64 << 10:    "64 KiB",
		256 << 10:   "256 KiB",
		3 << 19:     "1.5 MiB",
		4 << 30:     "4.0 GiB",
		5 << 40 / 2: "2.5 TiB",
	}
	for n, want := range formatted {
		if got := FormatBytes(n); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", n, got, want)
		}
	}

	parsed := map[string]int64{
		"4096":    4096,
		"64KiB":   64 << 10,
		"256 KiB": 256 << 10,
		"1.5MiB":  3 << 19,
		"2GiB":    2 << 30,
		"10MB":    10 * 1000 * 1000,
		"1kb":     1000,
	}
	for in, want := range parsed {
		got, err := ParseBytes(in)
		if err != nil {
			t.Errorf("ParseBytes(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseBytes(%q) = %d, want %d", in, got, want)
		}
	}

	for _, bad := range []string{"", "fast", "12 parsecs"} {
		if _, err := ParseBytes(bad); err == nil {
			t.Errorf("ParseBytes(%q) succeeded", bad)
		}
	}
}

func TestReporterCounters(t *testing.T) {
	tests := []struct {
		name        string
		events      func(r *Reporter)
		inProgress  int32
		completed   int32
		failed      int32
		substituted int32
		bytes       int64
	}{
		{
			name: "started only",
			events: func(r *Reporter) {
				r.ShardStarted()
				r.ShardStarted()
			},
			inProgress: 2,
		},
		{
			name: "completed",
			events: func(r *Reporter) {
				r.ShardStarted()
				r.BytesWritten(4096)
				r.ShardCompleted()
			},
			completed: 1,
			bytes:     4096,
		},
		{
			name: "failed then substituted",
			events: func(r *Reporter) {
				r.ShardStarted()
				r.ShardFailed()
				r.ShardSubstituted()
				r.ShardStarted()
				r.BytesWritten(4096)
				r.ShardCompleted()
			},
			completed:   1,
			failed:      1,
			substituted: 1,
			bytes:       4096,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReporter(Options{TotalSize: 16384, TotalShards: 4, Output: io.Discard})
			tt.events(r)
			if got := r.inProgress.Load(); got != tt.inProgress {
				t.Errorf("in progress = %d, want %d", got, tt.inProgress)
			}
			if got := r.completedShards.Load(); got != tt.completed {
				t.Errorf("completed = %d, want %d", got, tt.completed)
			}
			if got := r.failedShards.Load(); got != tt.failed {
				t.Errorf("failed = %d, want %d", got, tt.failed)
			}
			if got := r.substituted.Load(); got != tt.substituted {
				t.Errorf("substituted = %d, want %d", got, tt.substituted)
			}
			if got := r.completedBytes.Load(); got != tt.bytes {
				t.Errorf("bytes = %d, want %d", got, tt.bytes)
			}
		})
	}
}

func TestReporterPeriodicUpdates(t *testing.T) {
	var out syncBuffer
	r := NewReporter(Options{
		TotalSize:      8 << 10,
		TotalShards:    2,
		Workers:        2,
		Output:         &out,
		UpdateInterval: 5 * time.Millisecond,
		SourceURL:      "http://seed.local/files/x.bin",
		ShardSize:      4 << 10,
	})
	r.Start()
	r.ShardStarted()
	r.BytesWritten(4 << 10)
	r.ShardCompleted()
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	if !strings.Contains(out.String(), "Code: plain") {
		t.Errorf("header missing plain code label:\n%s", out.String())
	}
}

func TestReporterFinalStatus(t *testing.T) {
	var out bytes.Buffer
	reporter := NewReporter(Options{
		TotalSize:      3 * 1024,
		TotalShards:    6,
		Workers:        2,
		Output:         &out,
		UpdateInterval: time.Hour,
		SourceURL:      "https://mirror.example/data.bin.manifest.json",
		ShardSize:      1024,
		Erasure:        "2+1",
	})

	reporter.Start()
	for i := 0; i < 3; i++ {
		reporter.ShardStarted()
		reporter.BytesWritten(1024)
		reporter.ShardCompleted()
	}
	reporter.ShardStarted()
	reporter.ShardFailed()
	reporter.ShardSubstituted()
	reporter.Stop()
	reporter.Stop() // idempotent

	got := out.String()
	for _, want := range []string{
		"Downloading: https://mirror.example/data.bin.manifest.json",
		"Shards: 6 x 1.0 KiB | Code: RS 2+1 | Workers: 2",
		"3.0 KiB / 3.0 KiB",
		"Shards: 3 completed | 1 failed | 1 substituted",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestReporterStopWithoutStart(t *testing.T) {
	var out bytes.Buffer
	reporter := NewReporter(Options{Output: &out})
	reporter.Stop()
	if out.Len() != 0 {
		t.Errorf("expected no output, got %q", out.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{12 * time.Second, "12s"},
		{3*time.Minute + 4*time.Second, "3m 4s"},
		{2*time.Hour + 5*time.Minute + 9*time.Second, "2h 5m 9s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// syncBuffer guards a bytes.Buffer written by the update loop.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
