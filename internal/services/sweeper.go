package services

import (
	"context"
	"log/slog"

	"github.com/Lllllllleong/docingest/internal/models"
)

// Sweep walks every known checkpoint record and resumes units with an
// outstanding remote operation. It is designed to run on a schedule: each
// run makes a discrete poll per pending unit rather than waiting in-process
// for operations to finish.
func (f *OrchestratorFunction) Sweep(ctx context.Context) (*models.SweepResponse, error) {
	units, err := f.checkpoints.Units(ctx)
	if err != nil {
		return nil, err
	}

	resp := &models.SweepResponse{Checked: len(units)}
	for _, unit := range units {
		status, err := f.sweepUnit(ctx, unit)
		if err != nil {
			slog.Error("Sweep of unit failed.", "unit", unit, "error", err)
		}
		switch status {
		case models.StatusSuccess:
			resp.Completed++
		case models.StatusFailed:
			resp.Failed++
		default:
			resp.Pending++
		}
	}

	slog.Info("Sweep complete.",
		"checked", resp.Checked,
		"completed", resp.Completed,
		"pending", resp.Pending,
		"failed", resp.Failed)
	return resp, nil
}

func (f *OrchestratorFunction) sweepUnit(ctx context.Context, unit string) (string, error) {
	release, acquired, err := f.lockUnit(ctx, unit)
	if err != nil {
		return models.StatusProcessing, err
	}
	if !acquired {
		return models.StatusProcessing, nil
	}
	defer release()

	return f.machine.Resume(ctx, unit)
}
