package v3pro

import (
	"sync/atomic"
	"time"
)

// Metrics tracks wire-level health statistics for one controller
// connection. All fields are updated atomically and safe to read at
// any time.
type Metrics struct {
	Exchanges            atomic.Int64 // completed write/read exchanges
	Retries              atomic.Int64 // re-attempted exchanges
	TransportFailures    atomic.Int64 // operations that exhausted the retry budget
	ProtocolViolations   atomic.Int64 // responses with unexpected/out-of-range values
	ValidationRejections atomic.Int64 // setter values rejected before any I/O
	CommandsRejected     atomic.Int64 // controller "not found" responses
	BytesWritten         atomic.Int64
	BytesRead            atomic.Int64
	LastExchangeUnix     atomic.Int64 // unix seconds of the last completed exchange
}

// MetricsSnapshot is a point-in-time copy for the presentation layer.
type MetricsSnapshot struct {
	Timestamp            time.Time `json:"timestamp"`
	Exchanges            int64     `json:"exchanges"`
	Retries              int64     `json:"retries"`
	TransportFailures    int64     `json:"transport_failures"`
	ProtocolViolations   int64     `json:"protocol_violations"`
	ValidationRejections int64     `json:"validation_rejections"`
	CommandsRejected     int64     `json:"commands_rejected"`
	BytesWritten         int64     `json:"bytes_written"`
	BytesRead            int64     `json:"bytes_read"`
	LastExchangeUnix     int64     `json:"last_exchange_unix"`
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Timestamp:            time.Now(),
		Exchanges:            m.Exchanges.Load(),
		Retries:              m.Retries.Load(),
		TransportFailures:    m.TransportFailures.Load(),
		ProtocolViolations:   m.ProtocolViolations.Load(),
		ValidationRejections: m.ValidationRejections.Load(),
		CommandsRejected:     m.CommandsRejected.Load(),
		BytesWritten:         m.BytesWritten.Load(),
		BytesRead:            m.BytesRead.Load(),
		LastExchangeUnix:     m.LastExchangeUnix.Load(),
	}
}
