// Package jsonl provides append-only JSON Lines files with single-writer
// semantics.
//
// Appends are serialized by an in-process mutex plus a gofrs/flock advisory
// file lock, so concurrent appenders — including multiple processes sharing
// a data directory — never interleave partial lines.
package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// maxLineSize bounds a single JSONL record when scanning.
const maxLineSize = 1 << 20 // 1 MiB

// Appender writes one JSON document per line to a file.
//
// Appender is safe for concurrent use by multiple goroutines.
type Appender struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewAppender creates an Appender for path, creating parent directories as
// needed. The advisory lock lives in a sibling .lock file so the data file
// itself is only ever opened for appending.
func NewAppender(path string) (*Appender, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &Appender{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the underlying file path.
func (a *Appender) Path() string {
	return a.path
}

// Append marshals v and writes it as a single line.
// The line is written with one Write call after the locks are held, so a
// reader never observes a torn record.
func (a *Appender) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.lock.Lock(); err != nil {
		return fmt.Errorf("acquiring file lock: %w", err)
	}
	defer func() {
		_ = a.lock.Unlock()
	}()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("appending record: %w", err)
	}
	return nil
}

// ForEach streams every line of the file to fn. A missing file is treated
// as empty. Unparseable lines are fn's concern; ForEach only splits lines.
func ForEach(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning log file: %w", err)
	}
	return nil
}
