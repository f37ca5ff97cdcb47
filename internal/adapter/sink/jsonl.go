// Package sink appends delivery records to a size-rotated JSONL file. It is
// the fallback surface when outbound delivery fails and the drop target for
// triage reports, so writes must never block the pipeline on disk pressure.
package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tutordex/aggregator/internal/domain"
)

type JSONL struct {
	mu sync.Mutex
	w  io.WriteCloser
}

var _ domain.DeliverySink = (*JSONL)(nil)

// NewJSONL opens a rotating writer at path. Parent directories are created
// lazily on first write.
func NewJSONL(path string) *JSONL {
	return &JSONL{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    64, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}}
}

func (s *JSONL) Append(rec domain.DeliveryRecord) error {
	if rec.AttemptedAt.IsZero() {
		rec.AttemptedAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=sink.Append: %w", err)
	}
	b = append(b, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("op=sink.Append: %w", err)
	}
	return nil
}

func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
