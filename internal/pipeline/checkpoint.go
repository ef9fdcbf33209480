package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/Lllllllleong/docingest/internal/models"
)

// CheckpointPrefix is the folder in the output bucket holding unit
// checkpoint records.
const CheckpointPrefix = "metadata"

// CheckpointObjectName is the object name of a unit's checkpoint within its
// metadata folder.
const CheckpointObjectName = "report.json"

// CheckpointStore persists the per-unit status record. Saves are full
// overwrites; callers read-modify-write. There is no compare-and-swap, so
// two concurrent writers to the same unit can clobber each other. The
// orchestrator serializes writers per unit with a lock where one is
// configured, and otherwise relies on the next sweep to reconcile.
type CheckpointStore struct {
	objects ObjectStore
}

// NewCheckpointStore returns a store over the given output bucket.
func NewCheckpointStore(objects ObjectStore) *CheckpointStore {
	return &CheckpointStore{objects: objects}
}

// Key returns the object key of a unit's checkpoint record.
func (s *CheckpointStore) Key(unit string) string {
	return path.Join(CheckpointPrefix, unit, CheckpointObjectName)
}

// Load reads the unit's checkpoint record. An absent record is not an error:
// it yields a fresh record in status NEW.
func (s *CheckpointStore) Load(ctx context.Context, unit string) (*models.CheckpointRecord, error) {
	data, err := s.objects.Get(ctx, s.Key(unit))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return &models.CheckpointRecord{Status: models.StatusNew}, nil
		}
		return nil, fmt.Errorf("load checkpoint for unit %s: %w", unit, err)
	}
	var rec models.CheckpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode checkpoint for unit %s: %w", unit, err)
	}
	return &rec, nil
}

// Save overwrites the unit's checkpoint record.
func (s *CheckpointStore) Save(ctx context.Context, unit string, rec *models.CheckpointRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode checkpoint for unit %s: %w", unit, err)
	}
	if err := s.objects.Put(ctx, s.Key(unit), data); err != nil {
		return fmt.Errorf("save checkpoint for unit %s: %w", unit, err)
	}
	return nil
}

// Units lists every unit that has a checkpoint record. Used by the scheduled
// sweep to find outstanding operations without any in-memory registry.
func (s *CheckpointStore) Units(ctx context.Context) ([]string, error) {
	keys, err := s.objects.List(ctx, CheckpointPrefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	units := make([]string, 0, len(keys))
	for _, key := range keys {
		if path.Base(key) != CheckpointObjectName {
			continue
		}
		units = append(units, path.Base(path.Dir(key)))
	}
	return units, nil
}

// ProgressStore persists the processed-set record used by the sub-unit
// stages (text chunking, embedding). Records are keyed by full object key so
// each stage keeps its own set. Same overwrite semantics as CheckpointStore.
type ProgressStore struct {
	objects ObjectStore
}

// NewProgressStore returns a store over the given output bucket.
func NewProgressStore(objects ObjectStore) *ProgressStore {
	return &ProgressStore{objects: objects}
}

// Load reads the processed set at key, defaulting to empty when absent.
func (s *ProgressStore) Load(ctx context.Context, key string) (*models.ChunkProgress, error) {
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return &models.ChunkProgress{}, nil
		}
		return nil, fmt.Errorf("load progress %s: %w", key, err)
	}
	var progress models.ChunkProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", key, err)
	}
	return &progress, nil
}

// Save overwrites the processed set at key.
func (s *ProgressStore) Save(ctx context.Context, key string, progress *models.ChunkProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", key, err)
	}
	if err := s.objects.Put(ctx, key, data); err != nil {
		return fmt.Errorf("save progress %s: %w", key, err)
	}
	return nil
}
