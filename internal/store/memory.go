package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veridata/govern/internal/models"
)

// MemoryStore is the in-process Store used for development and tests. All
// reads return deep copies so callers can never mutate shared state behind
// the lock's back.
type MemoryStore struct {
	mu        sync.RWMutex
	gates     map[string]models.Gate
	flows     map[string]models.Flow // keyed "from->to"
	requests  map[uuid.UUID]models.PromotionRequest
	snapshots map[uuid.UUID]models.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gates:     map[string]models.Gate{},
		flows:     map[string]models.Flow{},
		requests:  map[uuid.UUID]models.PromotionRequest{},
		snapshots: map[uuid.UUID]models.Snapshot{},
	}
}

func flowKey(from, to string) string { return from + "->" + to }

func cloneGate(g models.Gate) models.Gate {
	out := g
	out.Scope.Routes = append([]models.Route(nil), g.Scope.Routes...)
	out.Scope.Datasets = append([]string(nil), g.Scope.Datasets...)
	out.Scope.Classifications = append([]string(nil), g.Scope.Classifications...)
	if g.Parameters != nil {
		out.Parameters = make(map[string]interface{}, len(g.Parameters))
		for k, v := range g.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

func cloneFlow(f models.Flow) models.Flow {
	out := f
	out.Steps = append([]models.FlowStep(nil), f.Steps...)
	return out
}

func cloneRequest(r models.PromotionRequest) models.PromotionRequest {
	out := r
	out.Gates = append([]models.GateSnapshot(nil), r.Gates...)
	out.Approvals = make([]models.ApprovalStep, len(r.Approvals))
	for i, s := range r.Approvals {
		cs := s
		if s.Actor != nil {
			v := *s.Actor
			cs.Actor = &v
		}
		if s.At != nil {
			v := *s.At
			cs.At = &v
		}
		if s.Reason != nil {
			v := *s.Reason
			cs.Reason = &v
		}
		out.Approvals[i] = cs
	}
	if r.DqScore != nil {
		v := *r.DqScore
		out.DqScore = &v
	}
	if r.Waiver != nil {
		w := *r.Waiver
		out.Waiver = &w
	}
	return out
}

func cloneSnapshot(s models.Snapshot) models.Snapshot {
	out := s
	out.Payload.Gates = make([]models.Gate, len(s.Payload.Gates))
	for i, g := range s.Payload.Gates {
		out.Payload.Gates[i] = cloneGate(g)
	}
	out.Payload.Flows = make([]models.Flow, len(s.Payload.Flows))
	for i, f := range s.Payload.Flows {
		out.Payload.Flows[i] = cloneFlow(f)
	}
	return out
}

func (m *MemoryStore) UpsertGate(ctx context.Context, gate models.Gate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.gates[gate.ID]
	gate.UpdatedAt = time.Now().UTC()
	m.gates[gate.ID] = cloneGate(gate)
	return !exists, nil
}

func (m *MemoryStore) GetGate(ctx context.Context, id string) (models.Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gates[id]
	if !ok {
		return models.Gate{}, ErrNotFound
	}
	return cloneGate(g), nil
}

func (m *MemoryStore) DeleteGate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gates[id]; !ok {
		return ErrNotFound
	}
	delete(m.gates, id)
	return nil
}

func (m *MemoryStore) ListGates(ctx context.Context) ([]models.Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gates := make([]models.Gate, 0, len(m.gates))
	for _, g := range m.gates {
		gates = append(gates, cloneGate(g))
	}
	sort.Slice(gates, func(i, j int) bool { return gates[i].ID < gates[j].ID })
	return gates, nil
}

func (m *MemoryStore) ReplaceGates(ctx context.Context, gates []models.Gate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates = make(map[string]models.Gate, len(gates))
	for _, g := range gates {
		m.gates[g.ID] = cloneGate(g)
	}
	return nil
}

func (m *MemoryStore) CreateFlow(ctx context.Context, flow models.Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := flowKey(flow.From, flow.To)
	if _, exists := m.flows[key]; exists {
		return ErrConflict
	}
	flow.UpdatedAt = time.Now().UTC()
	m.flows[key] = cloneFlow(flow)
	return nil
}

func (m *MemoryStore) PutFlow(ctx context.Context, flow models.Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow.UpdatedAt = time.Now().UTC()
	m.flows[flowKey(flow.From, flow.To)] = cloneFlow(flow)
	return nil
}

func (m *MemoryStore) GetFlow(ctx context.Context, from, to string) (models.Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flows[flowKey(from, to)]
	if !ok {
		return models.Flow{}, ErrNotFound
	}
	return cloneFlow(f), nil
}

func (m *MemoryStore) ListFlows(ctx context.Context) ([]models.Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	flows := make([]models.Flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, cloneFlow(f))
	}
	sort.Slice(flows, func(i, j int) bool {
		return flowKey(flows[i].From, flows[i].To) < flowKey(flows[j].From, flows[j].To)
	})
	return flows, nil
}

func (m *MemoryStore) ReplaceFlows(ctx context.Context, flows []models.Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows = make(map[string]models.Flow, len(flows))
	for _, f := range flows {
		m.flows[flowKey(f.From, f.To)] = cloneFlow(f)
	}
	return nil
}

func (m *MemoryStore) CreateRequest(ctx context.Context, req models.PromotionRequest) (models.PromotionRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	now := time.Now().UTC()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}
	req.UpdatedAt = now
	req.Version = 1
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = cloneRequest(req)
	return cloneRequest(req), nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id uuid.UUID) (models.PromotionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.PromotionRequest{}, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) ListRequests(ctx context.Context, filter RequestFilter) ([]models.PromotionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PromotionRequest
	for _, r := range m.requests {
		if filter.From != "" && r.From != filter.From {
			continue
		}
		if filter.To != "" && r.To != filter.To {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(r.Dataset), strings.ToLower(filter.Query)) {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		start = len(out)
	}
	end := start + normalizeLimit(filter.Limit)
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (m *MemoryStore) UpdateRequest(ctx context.Context, req models.PromotionRequest, expectedVersion int64) (models.PromotionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.requests[req.ID]
	if !ok {
		return models.PromotionRequest{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return models.PromotionRequest{}, ErrVersionConflict
	}
	req.Version = expectedVersion + 1
	req.UpdatedAt = time.Now().UTC()
	m.requests[req.ID] = cloneRequest(req)
	return cloneRequest(req), nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ID] = cloneSnapshot(snap)
	return nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, id uuid.UUID) (models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[id]
	if !ok {
		return models.Snapshot{}, ErrNotFound
	}
	return cloneSnapshot(s), nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context) ([]models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := make([]models.Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		snaps = append(snaps, cloneSnapshot(s))
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
