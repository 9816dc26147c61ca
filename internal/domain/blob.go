package domain

import (
	"context"
	"time"
)

// ArchiveObject is one archive file headed for cold storage.
type ArchiveObject struct {
	Path        string
	ContentType string
	Metadata    map[string]string
	Body        []byte
}

// ArchiveStore writes archive files to object storage.
type ArchiveStore interface {
	PutObject(ctx context.Context, obj ArchiveObject) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves old event log rows to cold storage.
type Archiver interface {
	ArchiveEvents(ctx context.Context, before time.Time) (int64, error)
}
