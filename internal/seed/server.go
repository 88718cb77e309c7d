package seed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	fechttp "github.com/ligustah/fecget/internal/http"
	"github.com/ligustah/fecget/pkg/sharded"
)

// DefaultMailboxSize caps the body accepted by POST /data.
const DefaultMailboxSize = 4 << 20

// maxListed bounds the object list in /info.
const maxListed = 1000

// Options configures a Server.
type Options struct {
	Bucket  *blob.Bucket
	Name    string
	Version string

	// MailboxSize is the largest accepted /data body, default
	// DefaultMailboxSize.
	MailboxSize int64

	Logger logrus.FieldLogger
}

// Stats counts what a Server has handed out.
type Stats struct {
	Requests    int64
	BytesServed int64
}

// Server exposes a bucket over HTTP.
type Server struct {
	id      string
	opts    Options
	log     logrus.FieldLogger
	started time.Time
	router  *mux.Router

	mu      sync.Mutex
	mailbox []byte

	requests atomic.Int64
	served   atomic.Int64
}

// New returns a Server for opts.Bucket.
func New(opts Options) *Server {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		id:      uuid.NewString(),
		opts:    opts,
		log:     log,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/data", s.handleGetData).Methods(http.MethodGet)
	r.HandleFunc("/data", s.handlePostData).Methods(http.MethodPost)
	r.HandleFunc("/files/{key:.+}", s.handleObject).Methods(http.MethodGet, http.MethodHead)
	r.Use(s.count)
	s.router = r
	return s
}

// ID returns the node identifier reported by /info.
func (s *Server) ID() string { return s.id }

// Stats returns the request and byte counters.
func (s *Server) Stats() Stats {
	return Stats{
		Requests:    s.requests.Load(),
		BytesServed: s.served.Load(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve accepts connections on l until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()
	s.log.WithFields(logrus.Fields{"addr": l.Addr().String(), "id": s.id}).Info("Seed server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)
		s.served.Add(cw.n)
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "pong")
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := fechttp.PeerInfo{
		ID:      s.id,
		Name:    s.opts.Name,
		Version: s.opts.Version,
		Uptime:  time.Since(s.started).Seconds(),
	}
	if s.opts.Bucket != nil {
		objects, err := s.listObjects(r.Context())
		if err != nil {
			s.log.WithError(err).Warn("List objects failed")
		}
		info.Objects = objects
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		s.log.WithError(err).Debug("Write info failed")
	}
}

// listObjects returns the manifest keys in the bucket, which name the
// published files.
func (s *Server) listObjects(ctx context.Context) ([]string, error) {
	var out []string
	iter := s.opts.Bucket.List(nil)
	for len(out) < maxListed {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		if strings.HasSuffix(obj.Key, sharded.ManifestSuffix) {
			out = append(out, obj.Key)
		}
	}
	return out, nil
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data := s.mailbox
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handlePostData(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MailboxSize+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if int64(len(data)) > s.opts.MailboxSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	s.mu.Lock()
	s.mailbox = data
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bucket == nil {
		http.NotFound(w, r)
		return
	}
	key := mux.Vars(r)["key"]
	log := s.log.WithField("key", key)

	rd, err := s.opts.Bucket.NewReader(r.Context(), key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			http.NotFound(w, r)
			return
		}
		log.WithError(err).Warn("Open object failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	defer rd.Close()

	if ct := rd.ContentType(); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	// ServeContent answers HEAD, Range and conditional requests.
	http.ServeContent(w, r, key, rd.ModTime(), rd)
}

type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.n += int64(n)
	return n, err
}
