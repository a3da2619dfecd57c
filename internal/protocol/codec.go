package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// maxLineBytes bounds a single control message. Session content flows
// through the log file, not the control channel, so lines stay small.
const maxLineBytes = 1 << 20

// Writer emits one JSON object per line to the agent's stdin.
// Safe for concurrent use: interrupt messages may race the main turn flow.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps the agent's stdin stream.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send marshals msg and writes it followed by a newline.
func (w *Writer) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol marshal: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("protocol write: %w", err)
	}
	return nil
}

// Scanner reads inbound messages from the agent's stdout, buffering
// partial lines until a full line is available. Lines that fail to parse
// as JSON are skipped and logged, never fatal.
type Scanner struct {
	sc  *bufio.Scanner
	log *slog.Logger
}

// NewScanner wraps the agent's stdout stream.
func NewScanner(r io.Reader, log *slog.Logger) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Scanner{sc: sc, log: log}
}

// Next returns the next parsable inbound message, or io.EOF when the
// stream ends. Unknown message types are returned to the caller, which
// logs and ignores them; malformed lines are consumed here.
func (s *Scanner) Next() (*Inbound, error) {
	for s.sc.Scan() {
		line := strings.TrimSpace(s.sc.Text())
		if line == "" {
			continue
		}

		var msg Inbound
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.log.Warn("skipping malformed control line", "error", err)
			continue
		}
		if msg.Type == "" {
			s.log.Warn("skipping control line without type")
			continue
		}
		return &msg, nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, fmt.Errorf("protocol read: %w", err)
	}
	return nil, io.EOF
}
