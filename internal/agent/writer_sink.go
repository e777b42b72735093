package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// writerLine is the JSON shape of one record written by a WriterSink.
type writerLine struct {
	ID          string            `json:"id"`
	CollectedAt time.Time         `json:"collected_at"`
	Line        string            `json:"line"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// WriterSink writes each record as one JSON object per line.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

var _ Sink = (*WriterSink)(nil)

// NewWriterSink returns a Sink that writes JSON lines to w.
func NewWriterSink(w io.Writer) *WriterSink {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &WriterSink{enc: enc}
}

// Write implements Sink.
func (s *WriterSink) Write(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.enc.Encode(writerLine{
			ID:          r.ID,
			CollectedAt: r.CollectedAt,
			Line:        r.Entry.Line,
			Metadata:    r.Entry.Metadata,
		}); err != nil {
			return fmt.Errorf("agent: write record %s: %w", r.ID, err)
		}
	}
	return nil
}
