// Package export appends delivered messages to an NDJSON file, one
// object per line, so downstream tooling can tail the stream.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dailybot/wcbridge/internal/store"
)

// Line is the on-disk record shape. The conversation id is repeated on
// every line so consumers never need batch context.
type Line struct {
	Conversation string `json:"conversation"`
	store.MessageRecord
}

// Writer appends message batches to a single NDJSON file.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	path string
}

// NewWriter opens (or creates) the output file in append mode.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &Writer{file: f, enc: json.NewEncoder(f), path: f.Name()}, nil
}

// Path returns the output file location.
func (w *Writer) Path() string { return w.path }

// Deliver appends one batch. The batch is synced before returning so a
// nil error means the lines survived the process; callers advance their
// checkpoints on that promise.
func (w *Writer) Deliver(conversation string, batch []store.MessageRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, msg := range batch {
		if err := w.enc.Encode(Line{Conversation: conversation, MessageRecord: msg}); err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync output file: %w", err)
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
