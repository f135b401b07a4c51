// Package jsonl implements the line-delimited JSON files that back the
// history store and the audit log.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrMalformed marks a line that could not be decoded into a record.
var ErrMalformed = errors.New("jsonl: malformed line")

// WriteError reports a failed append. It is never recovered locally:
// a lost line breaks the durability contract of the log.
type WriteError struct {
	Path string
	Op   string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("jsonl %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Append serializes v as one JSON line and appends it to path, creating
// parent directories if needed. The file is opened and closed per call so
// nothing is buffered between appends.
func Append(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return &WriteError{Path: path, Op: "marshal", Err: err}
	}
	line := buf.Bytes()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &WriteError{Path: path, Op: "mkdir", Err: err}
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &WriteError{Path: path, Op: "open", Err: err}
	}
	// A single write keeps the line intact under O_APPEND.
	if _, err := f.Write(line); err != nil {
		f.Close()
		return &WriteError{Path: path, Op: "write", Err: err}
	}
	if err := f.Close(); err != nil {
		return &WriteError{Path: path, Op: "close", Err: err}
	}
	return nil
}

// Scan calls fn for every line of path in file order. Blank lines are
// skipped. A missing file is reported as zero lines, not an error.
// Lines may be arbitrarily long.
func Scan(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jsonl open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			fn(trimmed)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("jsonl read %s: %w", path, err)
		}
	}
}
