package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/docingest/internal/models"
)

// ManifestObjectName is the object name of a unit's manifest within its
// folder.
const ManifestObjectName = "manifest.json"

// Decision is the outcome of a completeness check.
type Decision int

const (
	// DecisionWait means the declared chunk set has not been fully observed
	// yet (or the manifest itself has not landed). Safe to return any number
	// of times; the caller re-evaluates on the next upload event.
	DecisionWait Decision = iota
	// DecisionSingle means the unit is complete and consists of one chunk.
	DecisionSingle
	// DecisionBatch means the unit is complete with multiple chunks.
	DecisionBatch
)

func (d Decision) String() string {
	switch d {
	case DecisionSingle:
		return "READY_SINGLE"
	case DecisionBatch:
		return "READY_BATCH"
	default:
		return "WAIT"
	}
}

// Detector decides whether a unit's declared chunk set is fully present in
// the source bucket. Evaluate is side-effect-free and cheap enough to run on
// every upload event.
type Detector struct {
	source ObjectStore
}

// NewDetector returns a Detector reading manifests and chunk listings from
// the given source bucket.
func NewDetector(source ObjectStore) *Detector {
	return &Detector{source: source}
}

// Evaluate loads the unit's manifest and compares the declared chunk names
// against the chunk objects currently visible under the unit's folder. The
// comparison is exact set equality, not cardinality: a stray or misnamed
// chunk never satisfies the manifest. A missing manifest yields DecisionWait
// with ErrManifestNotFound available via errors.Is on the returned manifest
// load; it is not a failure.
func (d *Detector) Evaluate(ctx context.Context, unit string) (Decision, *models.Manifest, error) {
	manifest, err := d.loadManifest(ctx, unit)
	if err != nil {
		if errors.Is(err, ErrManifestNotFound) {
			slog.Info("Manifest not present yet, waiting.", "unit", unit)
			return DecisionWait, nil, nil
		}
		return DecisionWait, nil, err
	}

	keys, err := d.source.List(ctx, unit+"/")
	if err != nil {
		return DecisionWait, nil, fmt.Errorf("list chunks for unit %s: %w", unit, err)
	}

	present := make(map[string]bool, len(keys))
	for _, key := range keys {
		name := key[strings.LastIndex(key, "/")+1:]
		if name == ManifestObjectName {
			continue
		}
		present[name] = true
	}

	if len(present) != manifest.ExpectedCount || len(present) != len(manifest.DeclaredChunkNames) {
		return DecisionWait, manifest, nil
	}
	for _, name := range manifest.DeclaredChunkNames {
		if !present[name] {
			return DecisionWait, manifest, nil
		}
	}

	if manifest.ExpectedCount == 1 {
		return DecisionSingle, manifest, nil
	}
	return DecisionBatch, manifest, nil
}

func (d *Detector) loadManifest(ctx context.Context, unit string) (*models.Manifest, error) {
	data, err := d.source.Get(ctx, unit+"/"+ManifestObjectName)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, fmt.Errorf("unit %s: %w", unit, ErrManifestNotFound)
		}
		return nil, fmt.Errorf("read manifest for unit %s: %w", unit, err)
	}
	var manifest models.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest for unit %s: %w", unit, err)
	}
	return &manifest, nil
}
