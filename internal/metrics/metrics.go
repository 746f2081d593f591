// Package metrics tracks request counters for the lifetime of a server.
package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// ServeMetrics is safe for concurrent use by request handlers.
type ServeMetrics struct {
	StartTime time.Time

	requests     atomic.Int64
	notFound     atomic.Int64
	clientErrors atomic.Int64
	serverErrors atomic.Int64
	notModified  atomic.Int64
	bytesWritten atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Uptime       time.Duration
	Requests     int64
	NotFound     int64
	ClientErrors int64
	ServerErrors int64
	NotModified  int64
	BytesWritten int64
}

// NewServeMetrics creates a new metrics instance.
func NewServeMetrics() *ServeMetrics {
	return &ServeMetrics{StartTime: time.Now()}
}

// Record counts one finished response.
func (m *ServeMetrics) Record(status int, written int64) {
	m.requests.Add(1)
	m.bytesWritten.Add(written)

	switch {
	case status == http.StatusNotModified:
		m.notModified.Add(1)
	case status == http.StatusNotFound:
		m.notFound.Add(1)
		m.clientErrors.Add(1)
	case status >= 500:
		m.serverErrors.Add(1)
	case status >= 400:
		m.clientErrors.Add(1)
	}
}

// Snapshot returns the current counters.
func (m *ServeMetrics) Snapshot() Snapshot {
	return Snapshot{
		Uptime:       time.Since(m.StartTime),
		Requests:     m.requests.Load(),
		NotFound:     m.notFound.Load(),
		ClientErrors: m.clientErrors.Load(),
		ServerErrors: m.serverErrors.Load(),
		NotModified:  m.notModified.Load(),
		BytesWritten: m.bytesWritten.Load(),
	}
}

// String returns a single-line summary.
func (m *ServeMetrics) String() string {
	s := m.Snapshot()
	return fmt.Sprintf("📊 Served %d requests (%s) in %v (404: %d, 4xx: %d, 5xx: %d, 304: %d)",
		s.Requests,
		humanize.Bytes(uint64(s.BytesWritten)),
		s.Uptime.Round(time.Second),
		s.NotFound,
		s.ClientErrors,
		s.ServerErrors,
		s.NotModified,
	)
}
