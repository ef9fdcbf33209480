package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
)

// FailureLog records failed sub-units of one stage so they can be retried
// independently of the unit as a whole. It lives at a single object key and
// is updated by read-filter-write; a sub-unit has at most one current entry,
// and a later success removes it. The read-modify-write is the stage's one
// serialization point: callers running sub-units in parallel must serialize
// calls into the same log.
type FailureLog struct {
	objects ObjectStore
	key     string
	now     func() time.Time
}

// NewFailureLog returns a failure log stored at key in the given bucket.
func NewFailureLog(objects ObjectStore, key string) *FailureLog {
	return &FailureLog{objects: objects, key: key, now: time.Now}
}

// Append records a failure for subUnit, replacing any previous entry for it.
func (l *FailureLog) Append(ctx context.Context, subUnit, message string) error {
	record, err := l.load(ctx)
	if err != nil {
		return err
	}
	record.Failed = withoutEntry(record.Failed, subUnit)
	record.Failed = append(record.Failed, models.FailureLogEntry{
		SubUnit:   subUnit,
		Error:     message,
		Timestamp: l.now().UTC(),
	})
	return l.save(ctx, record)
}

// Remove drops the entry for subUnit, if any. Called when the sub-unit later
// succeeds.
func (l *FailureLog) Remove(ctx context.Context, subUnit string) error {
	record, err := l.load(ctx)
	if err != nil {
		return err
	}
	filtered := withoutEntry(record.Failed, subUnit)
	if len(filtered) == len(record.Failed) {
		return nil
	}
	record.Failed = filtered
	return l.save(ctx, record)
}

// List returns the current entries in append order.
func (l *FailureLog) List(ctx context.Context) ([]models.FailureLogEntry, error) {
	record, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	return record.Failed, nil
}

func (l *FailureLog) load(ctx context.Context) (*models.FailureLogRecord, error) {
	data, err := l.objects.Get(ctx, l.key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return &models.FailureLogRecord{}, nil
		}
		return nil, fmt.Errorf("load failure log %s: %w", l.key, err)
	}
	var record models.FailureLogRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode failure log %s: %w", l.key, err)
	}
	return &record, nil
}

func (l *FailureLog) save(ctx context.Context, record *models.FailureLogRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode failure log %s: %w", l.key, err)
	}
	if err := l.objects.Put(ctx, l.key, data); err != nil {
		return fmt.Errorf("save failure log %s: %w", l.key, err)
	}
	return nil
}

func withoutEntry(entries []models.FailureLogEntry, subUnit string) []models.FailureLogEntry {
	filtered := entries[:0:0]
	for _, e := range entries {
		if e.SubUnit != subUnit {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
