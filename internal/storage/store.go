package storage

import (
	"context"

	"opticbrake/internal/model"
)

// Store persists population snapshots by name and run records by id.
type Store interface {
	Init(ctx context.Context) error
	SaveSnapshot(ctx context.Context, snapshot model.PopulationSnapshot) error
	GetSnapshot(ctx context.Context, name string) (model.PopulationSnapshot, bool, error)
	ListSnapshots(ctx context.Context) ([]string, error)
	DeleteSnapshot(ctx context.Context, name string) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
}
