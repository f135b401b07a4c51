// Package audit records every message in both directions with a UTC
// timestamp. Nothing in the relay reads the audit log back.
package audit

import (
	"sync"
	"time"

	"github.com/stupiduntilnot/leadrelay/internal/jsonl"
	"github.com/stupiduntilnot/leadrelay/internal/metrics"
	"github.com/stupiduntilnot/leadrelay/internal/prompt"
)

// DefaultPath is where the audit log lives unless configured otherwise.
const DefaultPath = "logs/chat_logs.jsonl"

// TimestampLayout is RFC 3339 with nanoseconds; times are always UTC so
// the suffix is "Z".
const TimestampLayout = time.RFC3339Nano

// Record is one audit line. Content is either a string or a structured
// value serialized as-is.
type Record struct {
	ChatID    int64       `json:"chat_id"`
	Role      prompt.Role `json:"role"`
	Content   any         `json:"content"`
	Timestamp string      `json:"timestamp"`
}

// Log is the append-only audit log.
type Log struct {
	path    string
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog creates an audit log backed by path.
func NewLog(path string, m *metrics.Metrics, opts ...Option) *Log {
	l := &Log{path: path, metrics: m, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the backing file path.
func (l *Log) Path() string { return l.path }

// Append writes one record stamped with the current time.
// Failures are *jsonl.WriteError.
func (l *Log) Append(chatID int64, role prompt.Role, content any) error {
	return l.AppendAt(chatID, role, content, l.now())
}

// AppendAt writes one record stamped with ts.
func (l *Log) AppendAt(chatID int64, role prompt.Role, content any, ts time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := jsonl.Append(l.path, Record{
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		Timestamp: ts.UTC().Format(TimestampLayout),
	})
	l.metrics.RecordLogWrite("audit", err)
	return err
}
