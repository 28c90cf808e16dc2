package interventions

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

func TestSQLStore_TransitionSurfacesLookupError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(store.Wrap(db, store.Postgres))
	lost := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE interventions SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM interventions WHERE id = $1")).
		WithArgs("i-1").
		WillReturnError(lost)
	mock.ExpectRollback()

	next := &contracts.Intervention{ID: "i-1", TenantID: "t1", Status: contracts.StatusExecuting, UpdatedAt: t0}
	err = s.Transition(context.Background(), next, contracts.StatusQueued, contracts.TransitionEvent{
		InterventionID: "i-1",
		From:           contracts.StatusQueued,
		To:             contracts.StatusExecuting,
		Actor:          contracts.ActorExecutor,
		At:             t0,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, lost)
	assert.NotErrorIs(t, err, ErrStaleTransition, "a failed lookup is not a lost race")
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_TransitionStaleWhenStatusMoved(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(store.Wrap(db, store.Postgres))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE interventions SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM interventions WHERE id = $1")).
		WithArgs("i-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
	mock.ExpectRollback()

	next := &contracts.Intervention{ID: "i-1", TenantID: "t1", Status: contracts.StatusExecuting, UpdatedAt: t0}
	err = s.Transition(context.Background(), next, contracts.StatusQueued, contracts.TransitionEvent{
		InterventionID: "i-1",
		To:             contracts.StatusExecuting,
		Actor:          contracts.ActorExecutor,
		At:             t0,
	})
	assert.ErrorIs(t, err, ErrStaleTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}
