package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridata/govern/internal/models"
	"github.com/veridata/govern/internal/store"
)

var requestCols = []string{
	"id", "from_env", "to_env", "dataset", "dq_score", "gates", "approvals",
	"waiver", "status", "requested_by", "requested_at", "updated_at", "version",
}

func requestRow(id uuid.UUID, version int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(requestCols).AddRow(
		id, "staging", "publish", "sales.orders", 93.0,
		[]byte(`[]`), []byte(`[{"step":1,"role":"Data Steward","name":"","state":"pending"}]`),
		[]byte(`null`), "pending", "alice", now, now, version,
	)
}

func newMock(t *testing.T) (*store.PGStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return store.NewPGStore(db), mock, func() { db.Close() }
}

func TestPGGetRequest(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM promotion_requests WHERE id=").
		WithArgs(id).
		WillReturnRows(requestRow(id, 3))

	req, err := st.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "sales.orders", req.Dataset)
	require.NotNil(t, req.DqScore)
	assert.Equal(t, 93.0, *req.DqScore)
	assert.Equal(t, int64(3), req.Version)
	require.Len(t, req.Approvals, 1)
	assert.Nil(t, req.Waiver)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGGetRequestNotFound(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM promotion_requests WHERE id=").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetRequest(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPGUpdateRequestVersionConflict(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()
	id := uuid.New()
	req := models.PromotionRequest{ID: id, Status: models.StatusPending}

	// The guarded UPDATE touches no row, and the follow-up existence check
	// finds the row, so the failure is a version conflict.
	mock.ExpectQuery("UPDATE promotion_requests").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := st.UpdateRequest(context.Background(), req, 1)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGUpdateRequestGone(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()
	id := uuid.New()
	req := models.PromotionRequest{ID: id, Status: models.StatusPending}

	mock.ExpectQuery("UPDATE promotion_requests").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := st.UpdateRequest(context.Background(), req, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPGUpdateRequestCommits(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()
	id := uuid.New()
	req := models.PromotionRequest{ID: id, Status: models.StatusApproved}

	mock.ExpectQuery("UPDATE promotion_requests").
		WillReturnRows(requestRow(id, 2))

	out, err := st.UpdateRequest(context.Background(), req, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGUpsertGateReportsCreated(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectQuery("INSERT INTO gates").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))

	created, err := st.UpsertGate(context.Background(), models.Gate{ID: "dq-floor", Name: "DQ"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPGDeleteGateNotFound(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectExec("DELETE FROM gates WHERE id=").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.DeleteGate(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPGCreateFlowConflict(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO flows").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.CreateFlow(context.Background(), models.Flow{
		From: "staging", To: "publish",
		Steps: []models.FlowStep{{Role: "Data Steward"}},
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestPGReplaceGatesTransactional(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM gates").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO gates").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := st.ReplaceGates(context.Background(), []models.Gate{{ID: "restored", Name: "restored"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGListRequestsFilters(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM promotion_requests WHERE 1=1 AND from_env = (.+) AND status = (.+) ORDER BY requested_at DESC LIMIT").
		WithArgs("staging", "pending", 50).
		WillReturnRows(requestRow(id, 1))

	out, err := st.ListRequests(context.Background(), store.RequestFilter{
		From:   "staging",
		Status: models.StatusPending,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, id, out[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
