package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

// EventArchiver implements domain.Archiver: it exports event-log rows older
// than a cutoff to S3 as JSONL and then deletes exactly the exported rows.
type EventArchiver struct {
	events domain.EventLog
	store  domain.ArchiveStore
	logger *slog.Logger
}

// NewEventArchiver creates an EventArchiver.
func NewEventArchiver(events domain.EventLog, store domain.ArchiveStore, logger *slog.Logger) *EventArchiver {
	return &EventArchiver{
		events: events,
		store:  store,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveEvents uploads every event created before the cutoff and removes
// them from the log. An archive already present at the target path is not
// uploaded again, so a run interrupted between upload and delete can be
// repeated.
func (a *EventArchiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.events.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	first, last := recs[0].ID, recs[len(recs)-1].ID
	path := archivePath(before, first, last)

	exists, err := a.store.Exists(ctx, path)
	if err != nil {
		return 0, err
	}
	if !exists {
		buf, err := marshalJSONL(recs)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive events marshal: %w", err)
		}
		err = a.store.PutObject(ctx, domain.ArchiveObject{
			Path:        path,
			ContentType: "application/x-ndjson",
			Metadata: map[string]string{
				"first-id": strconv.FormatInt(first, 10),
				"last-id":  strconv.FormatInt(last, 10),
				"count":    strconv.Itoa(len(recs)),
				"cutoff":   before.UTC().Format(time.RFC3339),
			},
			Body: buf,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive events upload: %w", err)
		}
	}

	n, err := a.events.DeleteThrough(ctx, last)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events delete: %w", err)
	}
	a.logger.InfoContext(ctx, "events archived",
		slog.String("path", path),
		slog.Int("exported", len(recs)),
		slog.Int64("deleted", n),
	)
	return int64(len(recs)), nil
}

// archivePath partitions archives by the cutoff's year-month:
//
//	archive/events/2026-10/1-5000.jsonl
func archivePath(before time.Time, first, last int64) string {
	return fmt.Sprintf("archive/events/%s/%d-%d.jsonl", before.UTC().Format("2006-01"), first, last)
}

// marshalJSONL encodes records as newline-delimited JSON.
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

var _ domain.Archiver = (*EventArchiver)(nil)
