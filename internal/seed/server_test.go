package seed

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	fechttp "github.com/ligustah/fecget/internal/http"
	"github.com/ligustah/fecget/internal/logging"
	"github.com/ligustah/fecget/pkg/sharded"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })

	s := New(Options{Bucket: bucket, Name: "test", Version: "v0", Logger: logging.Discard()})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestPingAndInfo(t *testing.T) {
	s, srv := newTestServer(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("seed"), 4096)
	_, err := sharded.Publish(ctx, s.opts.Bucket, "videos/a.bin", bytes.NewReader(data),
		sharded.WithDataShards(2), sharded.WithParityShards(1), sharded.WithBlockSize(4096))
	require.NoError(t, err)

	sess := fechttp.NewClient(fechttp.DefaultOptions()).NewSession(srv.URL)
	require.NoError(t, sess.Connect(ctx))

	rtt, err := sess.Ping(ctx)
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))

	info, err := sess.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, s.ID(), info.ID)
	require.Equal(t, "test", info.Name)
	require.Equal(t, []string{"videos/a.bin.manifest.json"}, info.Objects)
}

func TestMailbox(t *testing.T) {
	_, srv := newTestServer(t)
	ctx := context.Background()

	sess := fechttp.NewClient(fechttp.DefaultOptions()).NewSession(srv.URL)
	require.NoError(t, sess.Connect(ctx))

	got, err := sess.Receive(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, sess.Send(ctx, []byte("hello")))
	got, err = sess.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	stats := sess.Stats()
	require.EqualValues(t, 5, stats.BytesSent)
	require.EqualValues(t, 5, stats.BytesReceived)
}

func TestMailboxRejectsLargePayload(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	s := New(Options{Bucket: bucket, MailboxSize: 4, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/data", strings.NewReader("too long")))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data", nil))
	require.Empty(t, rec.Body.String())
}

func TestObjectRanges(t *testing.T) {
	s, srv := newTestServer(t)
	ctx := context.Background()

	data := []byte("0123456789abcdef")
	require.NoError(t, s.opts.Bucket.WriteAll(ctx, "dir/obj.bin", data, nil))

	client := fechttp.NewClient(fechttp.DefaultOptions())

	info, err := client.Head(ctx, srv.URL+"/files/dir/obj.bin")
	require.NoError(t, err)
	require.EqualValues(t, len(data), info.Size)
	require.True(t, info.AcceptsRanges)

	res, err := client.Fetch(ctx, srv.URL+"/files/dir/obj.bin", 0, &fechttp.ByteRange{Start: 4, End: 7})
	require.NoError(t, err)
	require.Equal(t, "4567", string(res.Data))
	require.Equal(t, http.StatusPartialContent, res.Status)

	_, err = client.Fetch(ctx, srv.URL+"/files/dir/obj.bin", 0, &fechttp.ByteRange{Start: 100, End: 200})
	require.ErrorIs(t, err, fechttp.ErrRangeNotSatisfiable)

	_, err = client.Head(ctx, srv.URL+"/files/dir/missing.bin")
	require.ErrorIs(t, err, fechttp.ErrNotFound)

	stats := s.Stats()
	require.EqualValues(t, 4, stats.Requests)
	require.GreaterOrEqual(t, stats.BytesServed, int64(4))
}

func TestUnknownRoute(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/files/x", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	s := New(Options{Bucket: bucket, Logger: logging.Discard()})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "pong", string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
