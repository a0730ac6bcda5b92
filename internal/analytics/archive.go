package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// BatchWriter stores a batch of encoded records under a kind.
type BatchWriter interface {
	WriteBatch(ctx context.Context, kind string, at time.Time, records []json.RawMessage) (string, error)
}

// BlobArchive buffers events and writes them as one batch once BatchSize is
// reached or Flush is called.
type BlobArchive struct {
	writer    BatchWriter
	kind      string
	batchSize int

	mu      sync.Mutex
	pending []json.RawMessage
}

var _ Backend = (*BlobArchive)(nil)

func NewBlobArchive(writer BatchWriter, kind string, batchSize int) *BlobArchive {
	if batchSize <= 0 {
		batchSize = 500
	}
	if kind == "" {
		kind = "analytics"
	}
	return &BlobArchive{writer: writer, kind: kind, batchSize: batchSize}
}

func (b *BlobArchive) Write(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("analytics: encode %s: %w", e.Name, err)
	}
	b.mu.Lock()
	b.pending = append(b.pending, raw)
	full := len(b.pending) >= b.batchSize
	b.mu.Unlock()
	if !full {
		return nil
	}
	return b.Flush(ctx)
}

// Flush writes buffered events. A failed batch is kept for the next flush.
func (b *BlobArchive) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if _, err := b.writer.WriteBatch(ctx, b.kind, time.Now().UTC(), batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return fmt.Errorf("analytics: archive %d events: %w", len(batch), err)
	}
	return nil
}

// Pending returns the number of buffered events.
func (b *BlobArchive) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Multi writes to every backend and returns the first error.
type Multi []Backend

func (m Multi) Write(ctx context.Context, e Event) error {
	var first error
	for _, b := range m {
		if err := b.Write(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
