package ledger_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/ledger"
	"github.com/bldst/buildstate/pkg/storage"
)

func setupLedger(t *testing.T) (*ledger.Ledger, *storage.GormStore) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	db.Exec("PRAGMA busy_timeout=5000;")

	store := storage.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	l := ledger.New(store, ledger.DefaultStepPolicy(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return l, store
}

func createBuild(t *testing.T, l *ledger.Ledger) *core.Build {
	b := &core.Build{Platform: "gitlab", ImageType: "ami"}
	require.NoError(t, l.CreateBuild(context.Background(), b))
	return b
}

func complete(t *testing.T, l *ledger.Ledger, buildID string, state int) core.Outcome {
	out, err := l.Record(context.Background(), buildID, state, core.TransitionCompleted, ledger.RecordOptions{})
	require.NoError(t, err)
	return out
}

func TestStepPolicy(t *testing.T) {
	p := ledger.DefaultStepPolicy()

	assert.True(t, p.Valid(0))
	assert.True(t, p.Valid(55))
	assert.True(t, p.Valid(100))
	assert.False(t, p.Valid(42))
	assert.False(t, p.Valid(-5))
	assert.False(t, p.Valid(105))

	assert.Equal(t, 5, p.Next(0))
	assert.Equal(t, 100, p.Next(95))
	assert.Equal(t, 100, p.Next(100))
}

func TestLedger_CreateBuild(t *testing.T) {
	l, store := setupLedger(t)
	b := createBuild(t, l)

	assert.Equal(t, 0, b.CurrentState)
	assert.Equal(t, core.BuildInProgress, b.Status)

	history, err := store.ListTransitions(context.Background(), b.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.TransitionStarted, history[0].Status)
}

func TestLedger_MonotonicProgress(t *testing.T) {
	l, store := setupLedger(t)
	b := createBuild(t, l)

	for _, state := range []int{5, 10, 15} {
		out := complete(t, l, b.ID, state)
		completed, ok := out.(core.Completed)
		require.True(t, ok)
		assert.Equal(t, state, completed.State)
		assert.False(t, completed.Final)
	}

	got, err := store.GetBuild(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, got.CurrentState)
	assert.Equal(t, core.BuildInProgress, got.Status)
}

func TestLedger_RejectsSkipAndRegression(t *testing.T) {
	l, _ := setupLedger(t)
	b := createBuild(t, l)
	ctx := context.Background()

	complete(t, l, b.ID, 5)
	complete(t, l, b.ID, 10)

	// Skipping ahead is out of order.
	_, err := l.Record(ctx, b.ID, 20, core.TransitionCompleted, ledger.RecordOptions{})
	assert.ErrorIs(t, err, core.ErrStateRegression)

	// So is completing a milestone already behind the pointer.
	_, err = l.Record(ctx, b.ID, 5, core.TransitionCompleted, ledger.RecordOptions{})
	assert.ErrorIs(t, err, core.ErrStateRegression)

	// Off-ladder values are rejected before the ledger is touched.
	_, err = l.Record(ctx, b.ID, 12, core.TransitionCompleted, ledger.RecordOptions{})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestLedger_IdempotentReRecord(t *testing.T) {
	l, store := setupLedger(t)
	b := createBuild(t, l)

	complete(t, l, b.ID, 5)
	complete(t, l, b.ID, 5) // re-record of the pointer itself is allowed

	got, err := store.GetBuild(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.CurrentState)
}

func TestLedger_FailureFreezesPointer(t *testing.T) {
	l, store := setupLedger(t)
	b := createBuild(t, l)
	ctx := context.Background()

	complete(t, l, b.ID, 5)
	complete(t, l, b.ID, 10)
	complete(t, l, b.ID, 15)

	out, err := l.Record(ctx, b.ID, 20, core.TransitionFailed, ledger.RecordOptions{
		ErrorMessage: "network timeout",
		ErrorCode:    "NET",
	})
	require.NoError(t, err)

	failed, ok := out.(core.Failed)
	require.True(t, ok)
	assert.Equal(t, 20, failed.State)
	assert.Equal(t, 15, failed.FrozenAt)
	assert.Equal(t, "network timeout", failed.Error)
	assert.Equal(t, 1, failed.RetryCount)

	got, err := store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, got.CurrentState)
	assert.Equal(t, core.BuildFailed, got.Status)

	// A failure far beyond the pointer is out of order.
	_, err = l.Record(ctx, b.ID, 40, core.TransitionFailed, ledger.RecordOptions{})
	assert.ErrorIs(t, err, core.ErrStateRegression)
}

func TestLedger_RetryAfterFailure(t *testing.T) {
	l, store := setupLedger(t)
	b := createBuild(t, l)
	ctx := context.Background()

	complete(t, l, b.ID, 5)
	for i := 0; i < 3; i++ {
		out, err := l.Record(ctx, b.ID, 10, core.TransitionFailed, ledger.RecordOptions{ErrorMessage: "flaky"})
		require.NoError(t, err)
		assert.Equal(t, i+1, out.(core.Failed).RetryCount)
	}

	n, err := l.RetryCount(ctx, b.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Completing the milestone clears the failed status.
	complete(t, l, b.ID, 10)
	got, err := store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.CurrentState)
	assert.Equal(t, core.BuildInProgress, got.Status)
}

func TestLedger_TerminalCompletesBuild(t *testing.T) {
	l, store := setupLedger(t)
	b := createBuild(t, l)

	for state := 5; state <= 100; state += 5 {
		out := complete(t, l, b.ID, state)
		if state == 100 {
			assert.True(t, out.(core.Completed).Final)
		}
	}

	got, err := store.GetBuild(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.CurrentState)
	assert.Equal(t, core.BuildCompleted, got.Status)
}

func TestLedger_HeartbeatLeavesPointerAlone(t *testing.T) {
	l, store := setupLedger(t)
	b := createBuild(t, l)
	ctx := context.Background()

	complete(t, l, b.ID, 5)
	out, err := l.Record(ctx, b.ID, 10, core.TransitionInProgress, ledger.RecordOptions{Message: "copying image"})
	require.NoError(t, err)
	assert.Equal(t, core.InProgress{State: 10}, out)

	got, err := store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.CurrentState)
}

func TestLedger_State(t *testing.T) {
	l, _ := setupLedger(t)
	b := createBuild(t, l)
	ctx := context.Background()

	complete(t, l, b.ID, 5)
	_, err := l.Record(ctx, b.ID, 10, core.TransitionFailed, ledger.RecordOptions{ErrorMessage: "boom"})
	require.NoError(t, err)

	st, err := l.State(ctx, b.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Build.CurrentState)
	assert.Equal(t, core.BuildFailed, st.Build.Status)
	assert.Equal(t, 1, st.RetryCount)
	assert.Len(t, st.History, 2)
}
