package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/veridata/govern/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	// ErrVersionConflict is returned by UpdateRequest when the expected version
	// no longer matches the stored row; the caller must re-read and re-validate.
	ErrVersionConflict = errors.New("version conflict")
)

// GateStore persists gate definitions.
type GateStore interface {
	// UpsertGate inserts or replaces the gate; created reports which happened.
	UpsertGate(ctx context.Context, gate models.Gate) (created bool, err error)
	GetGate(ctx context.Context, id string) (models.Gate, error)
	DeleteGate(ctx context.Context, id string) error
	ListGates(ctx context.Context) ([]models.Gate, error)
	// ReplaceGates swaps the whole catalog; used by snapshot rollback.
	ReplaceGates(ctx context.Context, gates []models.Gate) error
}

// FlowStore persists approval flow definitions, keyed by (from, to).
type FlowStore interface {
	// CreateFlow fails with ErrConflict when a flow already exists for the route.
	CreateFlow(ctx context.Context, flow models.Flow) error
	// PutFlow inserts or replaces; used for steward edits and rollback.
	PutFlow(ctx context.Context, flow models.Flow) error
	GetFlow(ctx context.Context, from, to string) (models.Flow, error)
	ListFlows(ctx context.Context) ([]models.Flow, error)
	ReplaceFlows(ctx context.Context, flows []models.Flow) error
}

// RequestFilter narrows ListRequests. Query matches the dataset name
// (substring, case-insensitive).
type RequestFilter struct {
	From   string
	To     string
	Status models.RequestStatus
	Query  string
	Limit  int
	Offset int
}

// RequestStore persists promotion requests. UpdateRequest is the only
// mutation path and is compare-and-swap on the request version so concurrent
// deciders serialize per request.
type RequestStore interface {
	CreateRequest(ctx context.Context, req models.PromotionRequest) (models.PromotionRequest, error)
	GetRequest(ctx context.Context, id uuid.UUID) (models.PromotionRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]models.PromotionRequest, error)
	// UpdateRequest persists req as one atomic write iff the stored version
	// equals expectedVersion, and returns the committed record (version
	// incremented). Fails with ErrVersionConflict otherwise.
	UpdateRequest(ctx context.Context, req models.PromotionRequest, expectedVersion int64) (models.PromotionRequest, error)
}

// SnapshotStore persists configuration snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap models.Snapshot) error
	GetSnapshot(ctx context.Context, id uuid.UUID) (models.Snapshot, error)
	ListSnapshots(ctx context.Context) ([]models.Snapshot, error)
}

// Store is the full persistence surface the engine is wired with.
type Store interface {
	GateStore
	FlowStore
	RequestStore
	SnapshotStore
	Ping(ctx context.Context) error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
