// Package transcript appends every observed conversation turn to an NDJSON file.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/metrics"
	"github.com/google/uuid"
)

// Config controls transcript output.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Entry is one transcript line.
type Entry struct {
	Timestamp time.Time       `json:"ts"`
	RunID     string          `json:"run_id"`
	Key       string          `json:"key"`
	ID        string          `json:"id,omitempty"`
	Actor     domain.Actor    `json:"actor"`
	Content   string          `json:"content"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// Writer records messages asynchronously. Record never blocks; when the
// queue is full the entry is dropped and counted.
type Writer struct {
	runID  string
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	done   chan struct{}
	file   *os.File
}

// New opens a transcript file for this run under cfg.Dir.
func New(cfg Config, logger *slog.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, errors.New("transcript disabled")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	runID := uuid.NewString()
	name := time.Now().UTC().Format("20060102T150405") + "-" + runID[:8] + ".ndjson"
	path := filepath.Join(cfg.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}

	w := &Writer{
		runID:  runID,
		path:   path,
		logger: logger,
		queue:  make(chan Entry, cfg.QueueSize),
		done:   make(chan struct{}),
		file:   f,
	}
	go w.run()

	logger.Info("transcript enabled", "path", path)
	return w, nil
}

// Path returns the transcript file path.
func (w *Writer) Path() string { return w.path }

// Record queues m for writing.
func (w *Writer) Record(m domain.Message) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		RunID:     w.runID,
		Key:       m.Key,
		ID:        m.ID,
		Actor:     m.Actor,
		Content:   m.Content,
		Response:  m.Response,
	}
	select {
	case w.queue <- entry:
	default:
		metrics.TranscriptDropped.Inc()
		w.logger.Debug("transcript queue full, dropping entry", "key", m.Key)
	}
}

func (w *Writer) run() {
	defer close(w.done)

	buf := bufio.NewWriter(w.file)
	enc := json.NewEncoder(buf)
	for entry := range w.queue {
		if err := enc.Encode(entry); err != nil {
			w.logger.Warn("failed to encode transcript entry", "error", err)
			continue
		}
		// Flush when the queue drains so the file is readable while running.
		if len(w.queue) == 0 {
			if err := buf.Flush(); err != nil {
				w.logger.Warn("failed to flush transcript", "error", err)
			}
		}
	}
	if err := buf.Flush(); err != nil {
		w.logger.Warn("failed to flush transcript", "error", err)
	}
}

// Close drains pending entries and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}
	return nil
}
