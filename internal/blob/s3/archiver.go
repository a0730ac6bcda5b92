package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/rebalancer/internal/analytics"
	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// multipartThreshold switches batches to the multipart uploader.
const multipartThreshold = 8 * 1024 * 1024

// Archiver uploads batches of JSON records as JSONL objects. It backs the
// analytics blob archive.
type Archiver struct {
	writer domain.BlobWriter
	prefix string
}

var _ analytics.BatchWriter = (*Archiver)(nil)

// NewArchiver creates an Archiver writing under prefix (default "archive").
func NewArchiver(writer domain.BlobWriter, prefix string) *Archiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{writer: writer, prefix: prefix}
}

// WriteBatch uploads records as one object and returns its key. An empty
// batch writes nothing.
func (a *Archiver) WriteBatch(ctx context.Context, kind string, at time.Time, records []json.RawMessage) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(a.prefix, kind, at)
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}
	return path, nil
}

// archivePath partitions objects by day, with a unique suffix so concurrent
// processes never overwrite each other:
//
//	archive/analytics/2025-01-31/153000-<uuid>.jsonl
func archivePath(prefix, kind string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%s/%s/%s-%s.jsonl",
		prefix, kind, at.Format("2006-01-02"), at.Format("150405"), uuid.NewString())
}

// marshalJSONL writes each record as one compact line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
