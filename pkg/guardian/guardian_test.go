package guardian

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/permissions"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fixedStats struct {
	stats Stats
	err   error
}

func (f fixedStats) GuardianStats(context.Context, string, time.Time) (Stats, error) {
	return f.stats, f.err
}

func newGuardian(t *testing.T, stats StatsSource) (*Guardian, *permissions.Model) {
	t.Helper()
	model := permissions.NewModel(permissions.NewMemoryStore(), permissions.NewMemoryCache(time.Minute))
	g := New(model, stats, DefaultConfig()).WithClock(ClockFunc(func() time.Time { return testNow }))
	schemas, err := NewSchemaSet(DefaultPayloadSchemas)
	require.NoError(t, err)
	g.SetSchemas(schemas)
	return g, model
}

func message(benefit float64) *contracts.Intervention {
	return &contracts.Intervention{
		ID:           "int-1",
		TenantID:     "t1",
		Type:         contracts.TypeMessage,
		Priority:     contracts.PriorityNormal,
		BenefitScore: benefit,
		Payload:      map[string]any{"action_type": "send_sms", "domain": "family", "body": "call mom"},
	}
}

func TestEvaluate_PermissionDenied(t *testing.T) {
	g, _ := newGuardian(t, nil)
	res := g.Evaluate(context.Background(), message(8))
	assert.True(t, res.Blocked())
	assert.Equal(t, CheckPermission, res.Check)
	assert.Contains(t, res.Reasoning, "send_sms:family")
}

func TestEvaluate_Approved(t *testing.T) {
	ctx := context.Background()
	g, model := newGuardian(t, nil)
	require.NoError(t, model.Grant(ctx, "t1", "send_sms", "*", permissions.GrantOptions{RequiresConfirmation: true}))

	res := g.Evaluate(ctx, message(8))
	assert.Equal(t, contracts.VerdictApproved, res.Verdict)
	assert.True(t, res.RequiresConfirmation)
	assert.Equal(t, 1, g.AuditLog().Len())
}

func TestEvaluate_MalformedPayload(t *testing.T) {
	ctx := context.Background()
	g, model := newGuardian(t, nil)
	require.NoError(t, model.Grant(ctx, "t1", "*", "", permissions.GrantOptions{}))

	in := &contracts.Intervention{
		ID: "p1", TenantID: "t1", Type: contracts.TypePurchase, BenefitScore: 9,
		Payload: map[string]any{"amount": "lots"},
	}
	res := g.Evaluate(ctx, in)
	assert.True(t, res.Blocked())
	assert.Equal(t, CheckSchema, res.Check)
}

func TestEvaluate_ThresholdExceeded(t *testing.T) {
	ctx := context.Background()
	g, model := newGuardian(t, nil)
	limit := 50.0
	require.NoError(t, model.Grant(ctx, "t1", "purchase", "", permissions.GrantOptions{ThresholdAmount: &limit}))

	in := &contracts.Intervention{
		ID: "p1", TenantID: "t1", Type: contracts.TypePurchase, BenefitScore: 9,
		Payload: map[string]any{"amount": 75},
	}
	res := g.Evaluate(ctx, in)
	assert.True(t, res.Blocked())
	assert.Equal(t, CheckThreshold, res.Check)

	in.Payload["amount"] = 40
	res = g.Evaluate(ctx, in)
	assert.False(t, res.Blocked())
}

func TestEvaluate_BenefitFloor(t *testing.T) {
	ctx := context.Background()
	g, model := newGuardian(t, nil)
	require.NoError(t, model.Grant(ctx, "t1", "send_sms", "", permissions.GrantOptions{}))

	// Cold start: cap 8, floor 5.
	res := g.Evaluate(ctx, message(4))
	assert.True(t, res.Blocked())
	assert.Equal(t, CheckBenefit, res.Check)

	res = g.Evaluate(ctx, message(5))
	assert.False(t, res.Blocked())
}

func TestEvaluate_ValueConflict(t *testing.T) {
	ctx := context.Background()
	g, model := newGuardian(t, nil)
	require.NoError(t, model.Grant(ctx, "t1", "*", "", permissions.GrantOptions{}))

	values, err := NewValueChecker(NewMemoryValueStore())
	require.NoError(t, err)
	values.WithClock(func() time.Time { return testNow })
	g.SetValueChecker(values)

	_, err = values.AddConstraint(ctx, "t1", "never schedule before 8am",
		`intervention.type == "schedule" && intervention.payload.hour < 8`)
	require.NoError(t, err)

	early := &contracts.Intervention{
		ID: "s1", TenantID: "t1", Type: contracts.TypeSchedule, BenefitScore: 9,
		Payload: map[string]any{"hour": 6},
	}
	res := g.Evaluate(ctx, early)
	assert.True(t, res.Blocked())
	assert.Equal(t, CheckValues, res.Check)
	assert.NotEmpty(t, res.ConflictID)

	conflicts, err := values.Store().Conflicts(ctx, "t1", true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "s1", conflicts[0].InterventionID)

	// A message carries no hour; the constraint does not apply.
	assert.False(t, g.Evaluate(ctx, message(9)).Blocked())

	late := &contracts.Intervention{
		ID: "s2", TenantID: "t1", Type: contracts.TypeSchedule, BenefitScore: 9,
		Payload: map[string]any{"hour": 9},
	}
	assert.False(t, g.Evaluate(ctx, late).Blocked())
}

// brokenValueStore fails every constraint lookup.
type brokenValueStore struct {
	*MemoryValueStore
}

func (brokenValueStore) Constraints(context.Context, string) ([]contracts.ValueConstraint, error) {
	return nil, errors.New("connection reset")
}

func TestEvaluate_ValueStoreDownBlocks(t *testing.T) {
	ctx := context.Background()
	g, model := newGuardian(t, nil)
	require.NoError(t, model.Grant(ctx, "t1", "*", "", permissions.GrantOptions{}))

	values, err := NewValueChecker(brokenValueStore{NewMemoryValueStore()})
	require.NoError(t, err)
	g.SetValueChecker(values)

	res := g.Evaluate(ctx, message(9))
	assert.Equal(t, contracts.VerdictBlocked, res.Verdict)
	assert.Equal(t, CheckValues, res.Check)
	assert.Equal(t, "value constraints unavailable", res.Reasoning)
}

func TestValueChecker_RejectsNonBoolean(t *testing.T) {
	values, err := NewValueChecker(NewMemoryValueStore())
	require.NoError(t, err)
	_, err = values.AddConstraint(context.Background(), "t1", "bad", `intervention.benefit_score + 1.0`)
	assert.Error(t, err)
	_, err = values.AddConstraint(context.Background(), "t1", "bad", `intervention.type ==`)
	assert.Error(t, err)
}

func TestAuditLog_ChainVerifies(t *testing.T) {
	ctx := context.Background()
	g, model := newGuardian(t, nil)
	require.NoError(t, model.Grant(ctx, "t1", "send_sms", "", permissions.GrantOptions{}))

	g.Evaluate(ctx, message(9))
	g.Evaluate(ctx, message(1))
	g.Evaluate(ctx, &contracts.Intervention{ID: "x", TenantID: "t1", Type: contracts.TypeCall, BenefitScore: 9})

	require.NoError(t, g.AuditLog().Verify())

	entries := g.AuditLog().Entries()
	require.Len(t, entries, 3)
	entries[1].Reasoning = "tampered"
	assert.Error(t, VerifyChain(entries))
}
