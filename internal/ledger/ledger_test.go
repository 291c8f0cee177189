package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/computor-org/computor-fullstack-sub002/internal/store"
)

func TestLedger_RecordAndQuery(t *testing.T) {
	db := store.OpenTest(t, Models()...)
	l := New(db)
	fixed := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	ctx := context.Background()

	dep := uuid.New()
	other := uuid.New()
	actions := []Action{ActionAssigned, ActionRequeued, ActionDeployed}
	for _, a := range actions {
		require.NoError(t, l.Record(ctx, &Entry{DeploymentID: dep, Action: a, NewExampleVersionRef: Ref("ex", "v1"), WorkflowRunID: "run-1"}))
	}
	require.NoError(t, l.Record(ctx, &Entry{DeploymentID: other, Action: ActionAssigned}))

	got, err := l.QueryByDeployment(ctx, dep)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, a := range actions {
		assert.Equal(t, a, got[i].Action, "same timestamp falls back to sequence order")
		assert.Equal(t, "ex@v1", got[i].NewExampleVersionRef)
	}

	byRun, err := l.QueryByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, byRun, 3)
}

func TestLedger_RejectsInvalid(t *testing.T) {
	l := New(store.OpenTest(t, Models()...))
	ctx := context.Background()

	assert.Error(t, l.Record(ctx, &Entry{Action: ActionAssigned}))
	assert.Error(t, l.Record(ctx, &Entry{DeploymentID: uuid.New(), Action: "exploded"}))
	assert.Error(t, l.Record(ctx, &Entry{DeploymentID: uuid.New(), Action: "deploying"}), "the transient state is not ledgered")
}

func TestLedger_Immutable(t *testing.T) {
	db := store.OpenTest(t, Models()...)
	l := New(db)
	ctx := context.Background()

	e := &Entry{DeploymentID: uuid.New(), Action: ActionAssigned, Message: "original"}
	require.NoError(t, l.Record(ctx, e))

	err := db.Model(e).Update("message", "tampered").Error
	assert.True(t, errors.Is(err, ErrImmutable), "got %v", err)

	err = db.Delete(e).Error
	assert.True(t, errors.Is(err, ErrImmutable), "got %v", err)

	got, err := l.QueryByDeployment(ctx, e.DeploymentID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "original", got[0].Message)
}

func TestRef(t *testing.T) {
	assert.Equal(t, "ex@v1", Ref("ex", "v1"))
	assert.Equal(t, "", Ref("", "v1"))
}
