package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/ligustah/fecget/internal/config"
	"github.com/ligustah/fecget/internal/downloader"
	fechttp "github.com/ligustah/fecget/internal/http"
	"github.com/ligustah/fecget/internal/integrity"
	"github.com/ligustah/fecget/internal/seed"
	"github.com/ligustah/fecget/pkg/erasure"
	"github.com/ligustah/fecget/pkg/sharded"
)

// writeConfig stores a config file whose paths live in the test's temp
// directory.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DownloadPath = filepath.Join(dir, "downloads")
	cfg.Storage.TempPath = filepath.Join(dir, "tmp")
	cfg.Download.RetryCount = 1
	cfg.Download.RetryBackoff = time.Millisecond
	cfg.Download.ChunkSize = 64 << 10
	cfg.Logging.Level = "error"

	path := filepath.Join(dir, "fecget.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"fecget"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitGeneralError},
		{"explicit", withCode(ExitStorageError, errors.New("disk")), ExitStorageError},
		{"cancelled", fmt.Errorf("run: %w", context.Canceled), ExitCancelled},
		{"insufficient", &erasure.InsufficientShardsError{Stripe: 1, Have: 2, Need: 4}, ExitInsufficientShards},
		{"mismatch", &integrity.MismatchError{Chunk: 3}, ExitValidationFailed},
		{"size", downloader.ErrSizeMismatch, ExitValidationFailed},
		{"range", fmt.Errorf("chunk 2: %w", fechttp.ErrRangeNotSatisfiable), ExitRangeNotSatisfied},
		{"not found", fechttp.ErrNotFound, ExitSourceNotAccess},
		{"retries", &fechttp.RetryError{Attempts: 3, Last: fechttp.ErrServerError}, ExitSourceNotAccess},
		{"unknown key", fmt.Errorf("%w: foo", config.ErrUnknownKey), ExitInvalidArgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestUnknownCommand(t *testing.T) {
	cfg := writeConfig(t)
	code, _, stderr := runCLI(t, "--config", cfg, "frobnicate")
	if code != ExitInvalidArgs {
		t.Fatalf("exit code = %d, want %d (stderr %q)", code, ExitInvalidArgs, stderr)
	}
	if !strings.Contains(stderr, "frobnicate") {
		t.Errorf("stderr %q does not name the command", stderr)
	}
}

func TestDownloadRequiresSource(t *testing.T) {
	cfg := writeConfig(t)
	code, _, _ := runCLI(t, "--config", cfg, "download")
	if code != ExitInvalidArgs {
		t.Fatalf("exit code = %d, want %d", code, ExitInvalidArgs)
	}
}

func TestSettingsSetAndGet(t *testing.T) {
	cfg := writeConfig(t)

	code, _, stderr := runCLI(t, "--config", cfg, "settings", "set", "download.retry_count", "7")
	if code != ExitSuccess {
		t.Fatalf("set: exit code = %d, stderr %q", code, stderr)
	}

	p, err := config.NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	snap, err := p.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Download.RetryCount != 7 {
		t.Errorf("saved retry_count = %d, want 7", snap.Download.RetryCount)
	}

	code, stdout, _ := runCLI(t, "--config", cfg, "settings", "get", "download.retry_count")
	if code != ExitSuccess {
		t.Fatalf("get: exit code = %d", code)
	}
	if strings.TrimSpace(stdout) != "7" {
		t.Errorf("get printed %q, want 7", stdout)
	}

	code, _, _ = runCLI(t, "--config", cfg, "settings", "get", "download.nope")
	if code != ExitInvalidArgs {
		t.Errorf("unknown key: exit code = %d, want %d", code, ExitInvalidArgs)
	}
}

func TestSettingsListAndExport(t *testing.T) {
	cfg := writeConfig(t)

	code, stdout, _ := runCLI(t, "--config", cfg, "settings", "list")
	if code != ExitSuccess {
		t.Fatalf("list: exit code = %d", code)
	}
	for _, key := range config.Keys() {
		if !strings.Contains(stdout, key) {
			t.Errorf("list output lacks %s", key)
		}
	}

	out := filepath.Join(t.TempDir(), "export.yaml")
	code, _, _ = runCLI(t, "--config", cfg, "settings", "export", "--output", out)
	if code != ExitSuccess {
		t.Fatalf("export: exit code = %d", code)
	}
	exported, err := config.LoadFromFile(out)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if exported.Logging.Level != "error" {
		t.Errorf("exported logging.level = %q, want error", exported.Logging.Level)
	}
}

func TestDownloadPlain(t *testing.T) {
	data := make([]byte, 200<<10)
	rand.New(rand.NewSource(7)).Read(data)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	cfg := writeConfig(t)
	out := filepath.Join(t.TempDir(), "blob.bin")
	code, _, stderr := runCLI(t, "--config", cfg, "download", "--source", srv.URL+"/blob.bin", "--output", out)
	if code != ExitSuccess {
		t.Fatalf("exit code = %d, stderr %q", code, stderr)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded content differs")
	}
}

func TestDownloadMissingSource(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := writeConfig(t)
	code, _, _ := runCLI(t, "--config", cfg, "download", "--source", srv.URL+"/gone.bin",
		"--output", filepath.Join(t.TempDir(), "gone.bin"))
	if code != ExitSourceNotAccess {
		t.Fatalf("exit code = %d, want %d", code, ExitSourceNotAccess)
	}
}

func TestPublishValidateRepair(t *testing.T) {
	cfg := writeConfig(t)

	input := filepath.Join(t.TempDir(), "payload.bin")
	data := make([]byte, 300<<10)
	rand.New(rand.NewSource(11)).Read(data)
	if err := os.WriteFile(input, data, 0644); err != nil {
		t.Fatal(err)
	}

	store := t.TempDir()
	bucket := "file://" + filepath.ToSlash(store)

	code, stdout, stderr := runCLI(t, "--config", cfg, "publish",
		"--input", input, "--bucket", bucket, "--block-size", "64KiB")
	if code != ExitSuccess {
		t.Fatalf("publish: exit code = %d, stderr %q", code, stderr)
	}
	if !strings.Contains(stdout, "payload.bin.manifest.json") {
		t.Errorf("publish output %q lacks manifest key", stdout)
	}

	code, stdout, _ = runCLI(t, "--config", cfg, "validate", "--bucket", bucket, "--object", "payload.bin", "--deep")
	if code != ExitSuccess {
		t.Fatalf("validate: exit code = %d, output %q", code, stdout)
	}
	if !strings.Contains(stdout, "Status: VALID") {
		t.Errorf("validate output %q", stdout)
	}

	lost := filepath.Join(store, "payload.bin.shards", "stripe-000000", "shard-001")
	if err := os.Remove(lost); err != nil {
		t.Fatalf("remove shard: %v", err)
	}
	code, stdout, _ = runCLI(t, "--config", cfg, "validate", "--bucket", bucket, "--object", "payload.bin")
	if code != ExitValidationFailed {
		t.Fatalf("validate after loss: exit code = %d, want %d", code, ExitValidationFailed)
	}
	if !strings.Contains(stdout, "repairable") {
		t.Errorf("validate output %q", stdout)
	}

	code, _, stderr = runCLI(t, "--config", cfg, "repair", "--bucket", bucket, "--object", "payload.bin")
	if code != ExitSuccess {
		t.Fatalf("repair: exit code = %d, stderr %q", code, stderr)
	}
	if _, err := os.Stat(lost); err != nil {
		t.Errorf("shard not rewritten: %v", err)
	}

	code, _, stderr = runCLI(t, "--config", cfg, "delete", "--bucket", bucket, "--object", "payload.bin", "--force")
	if code != ExitSuccess {
		t.Fatalf("delete: exit code = %d, stderr %q", code, stderr)
	}
	if _, err := os.Stat(filepath.Join(store, "payload.bin.manifest.json")); !os.IsNotExist(err) {
		t.Errorf("manifest still present: %v", err)
	}
}

func TestPeersRanksSeeds(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	data := make([]byte, 64<<10)
	rand.New(rand.NewSource(3)).Read(data)
	if _, err := sharded.Publish(context.Background(), bucket, "clip.bin", bytes.NewReader(data),
		sharded.WithDataShards(2), sharded.WithParityShards(1), sharded.WithBlockSize(16<<10)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var urls []string
	for i := 0; i < 2; i++ {
		srv := httptest.NewServer(seed.New(seed.Options{Bucket: bucket, Name: fmt.Sprintf("seed-%d", i)}))
		defer srv.Close()
		urls = append(urls, srv.URL)
	}

	cfg := writeConfig(t)
	code, stdout, stderr := runCLI(t, "--config", cfg, "peers",
		"--peer", urls[0], "--peer", urls[1], "--retest", "--retest-below", "1TiB", "--top", "1")
	if code != ExitSuccess {
		t.Fatalf("exit code = %d, stderr %q", code, stderr)
	}
	if n := strings.Count(stdout, "reachable"); n != 2 {
		t.Errorf("expected 2 reachable peers, got %d:\n%s", n, stdout)
	}
	i := strings.Index(stdout, "Best: ")
	if i < 0 {
		t.Fatalf("no best line:\n%s", stdout)
	}
	best := stdout[i:]
	if !strings.Contains(best, urls[0]) && !strings.Contains(best, urls[1]) {
		t.Errorf("best line names no seed:\n%s", stdout)
	}
	if strings.Contains(best, ",") {
		t.Errorf("--top 1 listed more than one peer:\n%s", best)
	}

	code, _, _ = runCLI(t, "--config", cfg, "peers", "--peer", urls[0], "--top", "0")
	if code != ExitInvalidArgs {
		t.Errorf("--top 0: exit code = %d, want %d", code, ExitInvalidArgs)
	}
}
