// Package history persists user utterances to an append-only JSONL file and
// replays the most recent ones per chat.
//
// Retrieval is a linear scan of the whole file on every call; there is no
// index.
package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/leadrelay/internal/jsonl"
	"github.com/stupiduntilnot/leadrelay/internal/metrics"
	"github.com/stupiduntilnot/leadrelay/internal/prompt"
)

// DefaultPath is where the history file lives unless configured otherwise.
const DefaultPath = "logs/users_history.jsonl"

// DefaultRetrieveLimit bounds Retrieve when callers have no better value.
const DefaultRetrieveLimit = 100

// Record is one persisted history line.
type Record struct {
	ChatID  int64       `json:"chat_id"`
	Role    prompt.Role `json:"role"`
	Content string      `json:"content"`
}

// Store is the file-backed history store. It is safe for concurrent use
// within one process.
type Store struct {
	path    string
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

// NewStore creates a store backed by path. The file is created lazily on
// the first append.
func NewStore(path string, log zerolog.Logger, m *metrics.Metrics) *Store {
	return &Store{path: path, log: log, metrics: m}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Append writes one record. Failures are *jsonl.WriteError.
func (s *Store) Append(chatID int64, role prompt.Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := jsonl.Append(s.path, Record{ChatID: chatID, Role: role, Content: content})
	s.metrics.RecordLogWrite("history", err)
	return err
}

// Retrieve returns the last limit records of chatID in append order.
// A missing file yields no records. Lines that do not decode are skipped.
func (s *Store) Retrieve(chatID int64, limit int) ([]prompt.Message, error) {
	if limit <= 0 {
		return []prompt.Message{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := newWindow(limit)
	malformed := 0
	err := jsonl.Scan(s.path, func(line []byte) {
		rec, err := decodeRecord(line)
		if err != nil {
			malformed++
			s.log.Debug().Err(err).Str("path", s.path).Msg("skipping history line")
			return
		}
		if rec.ChatID == chatID {
			w.push(prompt.Message{Role: rec.Role, Content: rec.Content})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve history chat_id=%d: %w", chatID, err)
	}

	out := w.slice()
	s.metrics.RecordHistoryRead(len(out), malformed)
	return out, nil
}

type rawRecord struct {
	ChatID  json.RawMessage `json:"chat_id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// decodeRecord parses one line. The line must be exactly one JSON object
// with an integer chat_id, a user or assistant role and string content.
// A chat_id written as 1.0 matches chat 1.
func decodeRecord(line []byte) (Record, error) {
	var raw rawRecord
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&raw); err != nil {
		return Record{}, fmt.Errorf("%w: %v", jsonl.ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Record{}, fmt.Errorf("%w: trailing data", jsonl.ErrMalformed)
	}
	chatID, err := parseChatID(raw.ChatID)
	if err != nil {
		return Record{}, err
	}
	role := prompt.Role(raw.Role)
	if !role.Valid() {
		return Record{}, fmt.Errorf("%w: unknown role %q", jsonl.ErrMalformed, raw.Role)
	}
	var content string
	if len(raw.Content) > 0 {
		if err := json.Unmarshal(raw.Content, &content); err != nil {
			return Record{}, fmt.Errorf("%w: content is not a string", jsonl.ErrMalformed)
		}
	}
	return Record{ChatID: chatID, Role: role, Content: content}, nil
}

func parseChatID(raw json.RawMessage) (int64, error) {
	var n json.Number
	if len(raw) == 0 || raw[0] == '"' || json.Unmarshal(raw, &n) != nil || n == "" {
		return 0, fmt.Errorf("%w: chat_id missing or not a number", jsonl.ErrMalformed)
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("%w: chat_id %s is not an integer", jsonl.ErrMalformed, n)
	}
	return int64(f), nil
}

// window keeps the last n pushed messages.
type window struct {
	buf   []prompt.Message
	start int
	n     int
}

func newWindow(n int) *window {
	capHint := n
	if capHint > 256 {
		capHint = 256
	}
	return &window{buf: make([]prompt.Message, 0, capHint), n: n}
}

func (w *window) push(m prompt.Message) {
	if len(w.buf) < w.n {
		w.buf = append(w.buf, m)
		return
	}
	w.buf[w.start] = m
	w.start = (w.start + 1) % w.n
}

func (w *window) slice() []prompt.Message {
	out := make([]prompt.Message, 0, len(w.buf))
	out = append(out, w.buf[w.start:]...)
	out = append(out, w.buf[:w.start]...)
	return out
}
