// package snapshot captures and restores the governance configuration: the
// gate catalog and flow registry as one named, hashed unit. Promotion request
// history is deliberately outside snapshot scope.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veridata/govern/internal/audit"
	"github.com/veridata/govern/internal/canonical"
	"github.com/veridata/govern/internal/models"
	"github.com/veridata/govern/internal/store"
)

var ErrValidation = errors.New("validation failed")

// Service creates and restores configuration snapshots.
type Service struct {
	store store.Store
	trail audit.Sink
	now   func() time.Time
}

func NewService(st store.Store, trail audit.Sink) *Service {
	return &Service{
		store: st,
		trail: trail,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source; tests pin it.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create captures the current gates and flows under a name and persists the
// snapshot with a content hash over its canonical encoding.
func (s *Service) Create(ctx context.Context, actor, name string) (models.Snapshot, error) {
	if name == "" {
		return models.Snapshot{}, fmt.Errorf("%w: snapshot name required", ErrValidation)
	}
	gates, err := s.store.ListGates(ctx)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("capture gates: %w", err)
	}
	flows, err := s.store.ListFlows(ctx)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("capture flows: %w", err)
	}

	payload := models.SnapshotPayload{Gates: gates, Flows: flows}
	hash, err := hashPayload(payload)
	if err != nil {
		return models.Snapshot{}, err
	}
	snap := models.Snapshot{
		ID:        uuid.New(),
		Name:      name,
		Hash:      hash,
		Payload:   payload,
		CreatedBy: actor,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("persist snapshot: %w", err)
	}
	if err := s.trail.Append(ctx, &audit.Event{
		EventType: "snapshot.create",
		Actor:     actor,
		Payload: map[string]interface{}{
			"snapshot_id": snap.ID.String(),
			"name":        snap.Name,
			"hash":        snap.Hash,
			"gates":       len(gates),
			"flows":       len(flows),
		},
	}); err != nil {
		return models.Snapshot{}, fmt.Errorf("audit snapshot create: %w", err)
	}
	return snap, nil
}

// Get returns one snapshot by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Snapshot, error) {
	return s.store.GetSnapshot(ctx, id)
}

// List returns all snapshots, newest first.
func (s *Service) List(ctx context.Context) ([]models.Snapshot, error) {
	return s.store.ListSnapshots(ctx)
}

// Rollback replaces the live gate catalog and flow registry with the
// snapshot's payload. In-flight requests keep their frozen gate snapshots;
// their step lists reconcile against the restored flows on the next decision.
func (s *Service) Rollback(ctx context.Context, actor string, id uuid.UUID) (models.Snapshot, error) {
	snap, err := s.store.GetSnapshot(ctx, id)
	if err != nil {
		return models.Snapshot{}, err
	}
	// Verify the stored payload still matches its recorded hash before
	// restoring it.
	hash, err := hashPayload(snap.Payload)
	if err != nil {
		return models.Snapshot{}, err
	}
	if hash != snap.Hash {
		return models.Snapshot{}, fmt.Errorf("snapshot %s payload hash mismatch", snap.ID)
	}
	if err := s.store.ReplaceGates(ctx, snap.Payload.Gates); err != nil {
		return models.Snapshot{}, fmt.Errorf("restore gates: %w", err)
	}
	if err := s.store.ReplaceFlows(ctx, snap.Payload.Flows); err != nil {
		return models.Snapshot{}, fmt.Errorf("restore flows: %w", err)
	}
	if err := s.trail.Append(ctx, &audit.Event{
		EventType: "snapshot.rollback",
		Actor:     actor,
		Payload: map[string]interface{}{
			"snapshot_id": snap.ID.String(),
			"name":        snap.Name,
			"hash":        snap.Hash,
		},
	}); err != nil {
		return models.Snapshot{}, fmt.Errorf("audit snapshot rollback: %w", err)
	}
	return snap, nil
}

func hashPayload(payload models.SnapshotPayload) (string, error) {
	data, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
