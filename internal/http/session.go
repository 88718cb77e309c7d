package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotConnected is returned by Session calls made before Connect succeeds.
var ErrNotConnected = errors.New("http: session not connected")

// PeerInfo is the document served at /info.
type PeerInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Version string   `json:"version,omitempty"`
	Uptime  float64  `json:"uptime_seconds"`
	Objects []string `json:"objects,omitempty"`
}

// Stats counts traffic and failures of a Session.
type Stats struct {
	BytesSent      int64
	BytesReceived  int64
	FailedAttempts int
	LastError      string
}

// Session is a point-to-point connection to a peer speaking the
// /ping, /data and /info protocol.
type Session struct {
	base   string
	client *http.Client

	mu        sync.Mutex
	connected bool
	stats     Stats
}

// NewSession returns a session to the peer at base, e.g. "http://host:port".
func (c *Client) NewSession(base string) *Session {
	return &Session{
		base:   strings.TrimRight(base, "/"),
		client: c.client,
	}
}

// Addr returns the peer base URL.
func (s *Session) Addr() string { return s.base }

// Connect pings the peer and marks the session connected on a 200 reply.
// Connecting an already connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if connected {
		return nil
	}

	resp, err := s.do(ctx, http.MethodGet, "/ping", nil)
	if err != nil {
		return s.fail(err)
	}
	resp.Body.Close()

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

// Disconnect marks the session closed. Stats are kept.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// Connected reports whether Connect has succeeded.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send posts data to the peer's mailbox.
func (s *Session) Send(ctx context.Context, data []byte) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	resp, err := s.do(ctx, http.MethodPost, "/data", data)
	if err != nil {
		return s.fail(err)
	}
	resp.Body.Close()

	s.mu.Lock()
	s.stats.BytesSent += int64(len(data))
	s.mu.Unlock()
	return nil
}

// Receive reads the peer's mailbox.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}
	resp, err := s.do(ctx, http.MethodGet, "/data", nil)
	if err != nil {
		return nil, s.fail(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, s.fail(fmt.Errorf("read body: %w", err))
	}

	s.mu.Lock()
	s.stats.BytesReceived += int64(len(data))
	s.mu.Unlock()
	return data, nil
}

// Ping measures a /ping round trip.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := s.do(ctx, http.MethodGet, "/ping", nil)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return time.Since(start), nil
}

// Info fetches the peer's /info document.
func (s *Session) Info(ctx context.Context) (*PeerInfo, error) {
	resp, err := s.do(ctx, http.MethodGet, "/info", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var info PeerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode info: %w", err)
	}
	return &info, nil
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ResetStats zeroes the session counters.
func (s *Session) ResetStats() {
	s.mu.Lock()
	s.stats = Stats{}
	s.mu.Unlock()
}

func (s *Session) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.stats.FailedAttempts++
	s.stats.LastError = err.Error()
	s.mu.Unlock()
	return err
}
