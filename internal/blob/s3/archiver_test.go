package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

type memLog struct {
	recs    []domain.EventRecord
	deleted int64
}

func (m *memLog) Append(context.Context, domain.Event) error { return nil }

func (m *memLog) List(context.Context, domain.ListOpts) ([]domain.EventRecord, error) {
	return m.recs, nil
}

func (m *memLog) ListBefore(_ context.Context, before time.Time) ([]domain.EventRecord, error) {
	var out []domain.EventRecord
	for _, r := range m.recs {
		if r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memLog) DeleteThrough(_ context.Context, lastID int64) (int64, error) {
	var kept []domain.EventRecord
	var n int64
	for _, r := range m.recs {
		if r.ID <= lastID {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.recs = kept
	m.deleted += n
	return n, nil
}

type memStore struct {
	objects map[string]domain.ArchiveObject
	putErr  error
}

func (s *memStore) PutObject(_ context.Context, obj domain.ArchiveObject) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.objects[obj.Path] = obj
	return nil
}

func (s *memStore) Exists(_ context.Context, path string) (bool, error) {
	_, ok := s.objects[path]
	return ok, nil
}

var cutoff = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func fixture() (*memLog, *memStore, *EventArchiver) {
	log := &memLog{}
	for i := int64(1); i <= 4; i++ {
		log.recs = append(log.recs, domain.EventRecord{
			ID:        i,
			Event:     domain.Event{Name: domain.EventOrderExecuted, Block: uint64(i)},
			CreatedAt: cutoff.Add(time.Duration(i-3) * time.Hour),
		})
	}
	store := &memStore{objects: map[string]domain.ArchiveObject{}}
	return log, store, NewEventArchiver(log, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestArchiveEventsUploadsThenDeletes(t *testing.T) {
	log, store, a := fixture()

	n, err := a.ArchiveEvents(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(2), log.deleted)
	require.Len(t, log.recs, 2)
	assert.Equal(t, int64(3), log.recs[0].ID)

	obj, ok := store.objects["archive/events/2026-10/1-2.jsonl"]
	require.True(t, ok)
	assert.Equal(t, "application/x-ndjson", obj.ContentType)
	assert.Equal(t, "2", obj.Metadata["count"])

	sc := bufio.NewScanner(bytes.NewReader(obj.Body))
	var ids []int64
	for sc.Scan() {
		var rec domain.EventRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestArchiveEventsNothingToDo(t *testing.T) {
	log, store, a := fixture()
	n, err := a.ArchiveEvents(context.Background(), cutoff.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.objects)
	assert.Len(t, log.recs, 4)
}

func TestArchiveEventsUploadFailureKeepsRows(t *testing.T) {
	log, store, a := fixture()
	store.putErr = errors.New("503")

	_, err := a.ArchiveEvents(context.Background(), cutoff)
	require.Error(t, err)
	assert.Len(t, log.recs, 4)
}

func TestArchiveEventsResumesAfterUpload(t *testing.T) {
	log, store, a := fixture()
	store.objects["archive/events/2026-10/1-2.jsonl"] = domain.ArchiveObject{Body: []byte("earlier run")}

	n, err := a.ArchiveEvents(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "earlier run", string(store.objects["archive/events/2026-10/1-2.jsonl"].Body))
	assert.Len(t, log.recs, 2)
}
