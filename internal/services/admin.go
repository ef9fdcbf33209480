package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/pipeline"
)

// Admin exposes the operator actions behind the docadmin CLI: inspecting a
// unit's checkpoint and failure logs, and resetting a unit for reprocessing.
type Admin struct {
	output      pipeline.ObjectStore
	checkpoints *pipeline.CheckpointStore
}

// NewAdmin returns admin operations over the given output bucket.
func NewAdmin(output pipeline.ObjectStore) *Admin {
	return &Admin{
		output:      output,
		checkpoints: pipeline.NewCheckpointStore(output),
	}
}

// Status returns the unit's checkpoint record, which is NEW when no record
// exists yet.
func (a *Admin) Status(ctx context.Context, unit string) (*models.CheckpointRecord, error) {
	return a.checkpoints.Load(ctx, unit)
}

// Units lists every unit with a checkpoint record.
func (a *Admin) Units(ctx context.Context) ([]string, error) {
	return a.checkpoints.Units(ctx)
}

// Failures returns the unit's failure log entries for the given scope,
// "chunks" or "embeddings".
func (a *Admin) Failures(ctx context.Context, unit, scope string) ([]models.FailureLogEntry, error) {
	var key string
	switch strings.ToLower(scope) {
	case "chunks":
		key = chunksErrorsKey(unit)
	case "embeddings":
		key = embeddingsErrorsKey(unit)
	default:
		return nil, fmt.Errorf("unknown failure scope %q (want chunks or embeddings)", scope)
	}
	return pipeline.NewFailureLog(a.output, key).List(ctx)
}

// Reset overwrites the unit's checkpoint back to NEW so the next trigger or
// sweep reprocesses it from the start. The previous record's handle and
// error are discarded; conditional output writes keep already-written
// artifacts from being duplicated.
func (a *Admin) Reset(ctx context.Context, unit string) error {
	return a.checkpoints.Save(ctx, unit, &models.CheckpointRecord{Status: models.StatusNew})
}
