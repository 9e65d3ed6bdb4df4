package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veridata/govern/internal/models"
)

// PGStore is the Postgres-backed Store. Nested documents (scope, parameters,
// approvals, gate snapshots, waiver, snapshot payloads) live in JSONB columns;
// the request row carries a version column for the compare-and-swap contract.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func marshalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return b, nil
}

func scanGate(row rowScanner) (models.Gate, error) {
	var (
		g          models.Gate
		scope      []byte
		parameters []byte
		waiver     []byte
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Type, &g.Severity, &scope, &parameters, &waiver, &g.UpdatedAt); err != nil {
		return models.Gate{}, err
	}
	if err := json.Unmarshal(scope, &g.Scope); err != nil {
		return models.Gate{}, fmt.Errorf("unmarshal gate scope: %w", err)
	}
	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &g.Parameters); err != nil {
			return models.Gate{}, fmt.Errorf("unmarshal gate parameters: %w", err)
		}
	}
	if len(waiver) > 0 {
		if err := json.Unmarshal(waiver, &g.Waiver); err != nil {
			return models.Gate{}, fmt.Errorf("unmarshal gate waiver rule: %w", err)
		}
	}
	return g, nil
}

func (s *PGStore) UpsertGate(ctx context.Context, gate models.Gate) (bool, error) {
	scope, err := marshalJSON(gate.Scope)
	if err != nil {
		return false, err
	}
	parameters, err := marshalJSON(gate.Parameters)
	if err != nil {
		return false, err
	}
	waiver, err := marshalJSON(gate.Waiver)
	if err != nil {
		return false, err
	}
	const query = `
		INSERT INTO gates (id, name, type, severity, scope, parameters, waiver, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (id) DO UPDATE
		SET name=EXCLUDED.name, type=EXCLUDED.type, severity=EXCLUDED.severity,
		    scope=EXCLUDED.scope, parameters=EXCLUDED.parameters, waiver=EXCLUDED.waiver,
		    updated_at=NOW()
		RETURNING (xmax = 0)
	`
	var inserted bool
	if err := s.db.QueryRowContext(ctx, query, gate.ID, gate.Name, gate.Type, gate.Severity, scope, parameters, waiver).Scan(&inserted); err != nil {
		return false, fmt.Errorf("upsert gate: %w", err)
	}
	return inserted, nil
}

func (s *PGStore) GetGate(ctx context.Context, id string) (models.Gate, error) {
	const query = `SELECT id, name, type, severity, scope, parameters, waiver, updated_at FROM gates WHERE id=$1`
	g, err := scanGate(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Gate{}, ErrNotFound
		}
		return models.Gate{}, fmt.Errorf("get gate: %w", err)
	}
	return g, nil
}

func (s *PGStore) DeleteGate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gates WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete gate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete gate rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListGates(ctx context.Context) ([]models.Gate, error) {
	const query = `SELECT id, name, type, severity, scope, parameters, waiver, updated_at FROM gates ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	defer rows.Close()

	var gates []models.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate: %w", err)
		}
		gates = append(gates, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gates: %w", err)
	}
	return gates, nil
}

func (s *PGStore) ReplaceGates(ctx context.Context, gates []models.Gate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM gates`); err != nil {
		return fmt.Errorf("clear gates: %w", err)
	}
	const insert = `
		INSERT INTO gates (id, name, type, severity, scope, parameters, waiver, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
	`
	for _, g := range gates {
		scope, err := marshalJSON(g.Scope)
		if err != nil {
			return err
		}
		parameters, err := marshalJSON(g.Parameters)
		if err != nil {
			return err
		}
		waiver, err := marshalJSON(g.Waiver)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert, g.ID, g.Name, g.Type, g.Severity, scope, parameters, waiver); err != nil {
			return fmt.Errorf("insert gate %s: %w", g.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace gates: %w", err)
	}
	return nil
}

func scanFlow(row rowScanner) (models.Flow, error) {
	var (
		f     models.Flow
		steps []byte
	)
	if err := row.Scan(&f.From, &f.To, &steps, &f.UpdatedAt); err != nil {
		return models.Flow{}, err
	}
	if err := json.Unmarshal(steps, &f.Steps); err != nil {
		return models.Flow{}, fmt.Errorf("unmarshal flow steps: %w", err)
	}
	return f, nil
}

func (s *PGStore) CreateFlow(ctx context.Context, flow models.Flow) error {
	steps, err := marshalJSON(flow.Steps)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO flows (from_env, to_env, steps, updated_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (from_env, to_env) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, flow.From, flow.To, steps)
	if err != nil {
		return fmt.Errorf("create flow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create flow rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PGStore) PutFlow(ctx context.Context, flow models.Flow) error {
	steps, err := marshalJSON(flow.Steps)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO flows (from_env, to_env, steps, updated_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (from_env, to_env) DO UPDATE SET steps=EXCLUDED.steps, updated_at=NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, flow.From, flow.To, steps); err != nil {
		return fmt.Errorf("put flow: %w", err)
	}
	return nil
}

func (s *PGStore) GetFlow(ctx context.Context, from, to string) (models.Flow, error) {
	const query = `SELECT from_env, to_env, steps, updated_at FROM flows WHERE from_env=$1 AND to_env=$2`
	f, err := scanFlow(s.db.QueryRowContext(ctx, query, from, to))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Flow{}, ErrNotFound
		}
		return models.Flow{}, fmt.Errorf("get flow: %w", err)
	}
	return f, nil
}

func (s *PGStore) ListFlows(ctx context.Context) ([]models.Flow, error) {
	const query = `SELECT from_env, to_env, steps, updated_at FROM flows ORDER BY from_env, to_env`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	return flows, nil
}

func (s *PGStore) ReplaceFlows(ctx context.Context, flows []models.Flow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM flows`); err != nil {
		return fmt.Errorf("clear flows: %w", err)
	}
	for _, f := range flows {
		steps, err := marshalJSON(f.Steps)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO flows (from_env, to_env, steps, updated_at) VALUES ($1,$2,$3,NOW())`,
			f.From, f.To, steps); err != nil {
			return fmt.Errorf("insert flow %s->%s: %w", f.From, f.To, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace flows: %w", err)
	}
	return nil
}

const requestColumns = `id, from_env, to_env, dataset, dq_score, gates, approvals, waiver, status, requested_by, requested_at, updated_at, version`

func scanRequest(row rowScanner) (models.PromotionRequest, error) {
	var (
		r         models.PromotionRequest
		dqScore   sql.NullFloat64
		gates     []byte
		approvals []byte
		waiver    []byte
	)
	if err := row.Scan(
		&r.ID,
		&r.From,
		&r.To,
		&r.Dataset,
		&dqScore,
		&gates,
		&approvals,
		&waiver,
		&r.Status,
		&r.RequestedBy,
		&r.RequestedAt,
		&r.UpdatedAt,
		&r.Version,
	); err != nil {
		return models.PromotionRequest{}, err
	}
	if dqScore.Valid {
		v := dqScore.Float64
		r.DqScore = &v
	}
	if err := json.Unmarshal(gates, &r.Gates); err != nil {
		return models.PromotionRequest{}, fmt.Errorf("unmarshal gate snapshots: %w", err)
	}
	if err := json.Unmarshal(approvals, &r.Approvals); err != nil {
		return models.PromotionRequest{}, fmt.Errorf("unmarshal approvals: %w", err)
	}
	if len(waiver) > 0 && string(waiver) != "null" {
		var w models.Waiver
		if err := json.Unmarshal(waiver, &w); err != nil {
			return models.PromotionRequest{}, fmt.Errorf("unmarshal waiver: %w", err)
		}
		r.Waiver = &w
	}
	return r, nil
}

func requestJSONColumns(req models.PromotionRequest) (gates, approvals, waiver []byte, err error) {
	if gates, err = marshalJSON(req.Gates); err != nil {
		return nil, nil, nil, err
	}
	if approvals, err = marshalJSON(req.Approvals); err != nil {
		return nil, nil, nil, err
	}
	if req.Waiver != nil {
		if waiver, err = marshalJSON(req.Waiver); err != nil {
			return nil, nil, nil, err
		}
	} else {
		waiver = []byte("null")
	}
	return gates, approvals, waiver, nil
}

func (s *PGStore) CreateRequest(ctx context.Context, req models.PromotionRequest) (models.PromotionRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	gates, approvals, waiver, err := requestJSONColumns(req)
	if err != nil {
		return models.PromotionRequest{}, err
	}
	var dqScore interface{}
	if req.DqScore != nil {
		dqScore = *req.DqScore
	}
	query := `
		INSERT INTO promotion_requests (` + requestColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),1)
		RETURNING ` + requestColumns + `
	`
	row := s.db.QueryRowContext(ctx, query,
		req.ID, req.From, req.To, req.Dataset, dqScore, gates, approvals, waiver,
		req.Status, req.RequestedBy, req.RequestedAt)
	out, err := scanRequest(row)
	if err != nil {
		return models.PromotionRequest{}, fmt.Errorf("insert promotion request: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetRequest(ctx context.Context, id uuid.UUID) (models.PromotionRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM promotion_requests WHERE id=$1`
	r, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PromotionRequest{}, ErrNotFound
		}
		return models.PromotionRequest{}, fmt.Errorf("get promotion request: %w", err)
	}
	return r, nil
}

func (s *PGStore) ListRequests(ctx context.Context, filter RequestFilter) ([]models.PromotionRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM promotion_requests WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.From != "" {
		query += fmt.Sprintf(" AND from_env = $%d", argPos)
		args = append(args, filter.From)
		argPos++
	}
	if filter.To != "" {
		query += fmt.Sprintf(" AND to_env = $%d", argPos)
		args = append(args, filter.To)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	if filter.Query != "" {
		query += fmt.Sprintf(" AND dataset ILIKE $%d", argPos)
		args = append(args, "%"+filter.Query+"%")
		argPos++
	}
	query += " ORDER BY requested_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list promotion requests: %w", err)
	}
	defer rows.Close()

	var requests []models.PromotionRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promotion request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate promotion requests: %w", err)
	}
	return requests, nil
}

// UpdateRequest writes the whole request document in a single statement
// guarded by the version column. Zero rows updated means either the row is
// gone or another decider committed first; the two are disambiguated with a
// follow-up existence check.
func (s *PGStore) UpdateRequest(ctx context.Context, req models.PromotionRequest, expectedVersion int64) (models.PromotionRequest, error) {
	gates, approvals, waiver, err := requestJSONColumns(req)
	if err != nil {
		return models.PromotionRequest{}, err
	}
	var dqScore interface{}
	if req.DqScore != nil {
		dqScore = *req.DqScore
	}
	query := `
		UPDATE promotion_requests
		SET dq_score=$3, gates=$4, approvals=$5, waiver=$6, status=$7,
		    updated_at=NOW(), version=version+1
		WHERE id=$1 AND version=$2
		RETURNING ` + requestColumns + `
	`
	row := s.db.QueryRowContext(ctx, query, req.ID, expectedVersion, dqScore, gates, approvals, waiver, req.Status)
	out, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if checkErr := s.db.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM promotion_requests WHERE id=$1)`, req.ID).Scan(&exists); checkErr != nil {
				return models.PromotionRequest{}, fmt.Errorf("update promotion request: %w", checkErr)
			}
			if !exists {
				return models.PromotionRequest{}, ErrNotFound
			}
			return models.PromotionRequest{}, ErrVersionConflict
		}
		return models.PromotionRequest{}, fmt.Errorf("update promotion request: %w", err)
	}
	return out, nil
}

func (s *PGStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	payload, err := marshalJSON(snap.Payload)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO config_snapshots (id, name, hash, payload, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	if _, err := s.db.ExecContext(ctx, query, snap.ID, snap.Name, snap.Hash, payload, snap.CreatedBy, snap.CreatedAt); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func scanSnapshot(row rowScanner) (models.Snapshot, error) {
	var (
		s       models.Snapshot
		payload []byte
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Hash, &payload, &s.CreatedBy, &s.CreatedAt); err != nil {
		return models.Snapshot{}, err
	}
	if err := json.Unmarshal(payload, &s.Payload); err != nil {
		return models.Snapshot{}, fmt.Errorf("unmarshal snapshot payload: %w", err)
	}
	return s, nil
}

func (s *PGStore) GetSnapshot(ctx context.Context, id uuid.UUID) (models.Snapshot, error) {
	const query = `SELECT id, name, hash, payload, created_by, created_at FROM config_snapshots WHERE id=$1`
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Snapshot{}, ErrNotFound
		}
		return models.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func (s *PGStore) ListSnapshots(ctx context.Context) ([]models.Snapshot, error) {
	const query = `SELECT id, name, hash, payload, created_by, created_at FROM config_snapshots ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
