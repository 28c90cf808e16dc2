package guardian

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

func TestSQLValueStore(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenMemory(ctx)
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLValueStore(db)
	require.NoError(t, s.Init(ctx))

	values, err := NewValueChecker(s)
	require.NoError(t, err)
	values.WithClock(func() time.Time { return testNow })

	c, err := values.AddConstraint(ctx, "t1", "no purchases over 100", `intervention.type == "purchase" && intervention.payload.amount > 100`)
	require.NoError(t, err)

	conflict, err := values.Check(ctx, &contracts.Intervention{
		ID: "p1", TenantID: "t1", Type: contracts.TypePurchase,
		Payload: map[string]any{"amount": 150.0},
	})
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, c.ID, conflict.ConstraintID)

	other, err := values.Check(ctx, &contracts.Intervention{
		ID: "p2", TenantID: "t2", Type: contracts.TypePurchase,
		Payload: map[string]any{"amount": 150.0},
	})
	require.NoError(t, err)
	assert.Nil(t, other, "constraints are tenant-scoped")

	open, err := s.Conflicts(ctx, "t1", true)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, s.ResolveConflict(ctx, "t1", conflict.ID, testNow.Add(time.Hour)))
	open, err = s.Conflicts(ctx, "t1", true)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := s.Conflicts(ctx, "t1", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].ResolvedAt)

	assert.ErrorIs(t, s.ResolveConflict(ctx, "t1", "missing", testNow), store.ErrNotFound)
}
