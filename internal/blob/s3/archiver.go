package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// TradeSource provides read access to recorded trades for archival. Both the
// PostgreSQL trade store and the file journal satisfy it.
type TradeSource interface {
	// ListBefore returns all trades executed strictly before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error)
}

// Archiver serializes old trade records to JSONL and uploads the result to
// object storage. Deleting archived records from the primary store is a
// separate, explicit step to run after the archive has been verified.
type Archiver struct {
	writer domain.BlobWriter
	trades TradeSource
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, trades TradeSource, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		trades: trades,
		logger: logger.With(slog.String("component", "trade_archiver")),
	}
}

// ArchiveTrades uploads all trades before the cutoff to
// archive/trades/YYYY-MM.jsonl and returns the archived record count.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath("trades", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	count := int64(len(trades))
	a.logger.Info("trades archived",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/trades/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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
