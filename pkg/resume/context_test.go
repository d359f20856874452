package resume_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/ledger"
	"github.com/bldst/buildstate/pkg/resume"
	"github.com/bldst/buildstate/pkg/storage"
)

type fixture struct {
	store   *storage.GormStore
	ledger  *ledger.Ledger
	builder *resume.Builder
	project *core.Project
}

func setup(t *testing.T) *fixture {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	db.Exec("PRAGMA busy_timeout=5000;")

	store := storage.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	project := &core.Project{Name: "base-images"}
	require.NoError(t, store.CreateProject(context.Background(), project))

	policy := ledger.DefaultStepPolicy()
	return &fixture{
		store:   store,
		ledger:  ledger.New(store, policy, slog.New(slog.NewTextHandler(io.Discard, nil))),
		builder: resume.NewBuilder(store, policy),
		project: project,
	}
}

// failedBuild walks a build through 5, 10, 15 and fails it at 20.
func (f *fixture) failedBuild(t *testing.T) *core.Build {
	ctx := context.Background()
	b := &core.Build{ProjectID: f.project.ID, Platform: "gitlab"}
	require.NoError(t, f.ledger.CreateBuild(ctx, b))
	for _, state := range []int{5, 10, 15} {
		_, err := f.ledger.Record(ctx, b.ID, state, core.TransitionCompleted, ledger.RecordOptions{})
		require.NoError(t, err)
	}
	_, err := f.ledger.Record(ctx, b.ID, 20, core.TransitionFailed, ledger.RecordOptions{
		ErrorMessage: "network timeout",
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) allowResume(t *testing.T, state int, requiredArtifacts, requiredVariables []string) {
	require.NoError(t, f.store.UpsertResumePolicy(context.Background(), &core.ResumePolicy{
		ProjectID:         f.project.ID,
		StateCode:         state,
		IsResumable:       true,
		Strategy:          core.ResumeFromArtifact,
		RequiredArtifacts: requiredArtifacts,
		RequiredVariables: requiredVariables,
		ResumeCommand:     "imgbuild resume --from {{state}}",
		ResumeTimeout:     30 * time.Minute,
	}))
}

func (f *fixture) addSnapshot(t *testing.T, buildID string, state int, name string) *core.Artifact {
	a := &core.Artifact{
		BuildID:     buildID,
		StateCode:   state,
		Name:        name,
		Type:        "snapshot",
		Checksum:    fmt.Sprintf("sha-%s-%d", name, state),
		IsResumable: true,
	}
	require.NoError(t, f.store.CreateArtifact(context.Background(), a))
	return a
}

func TestBuilder_ResumeFromFailedState(t *testing.T) {
	f := setup(t)
	b := f.failedBuild(t)
	f.allowResume(t, 20, nil, nil)
	f.addSnapshot(t, b.ID, 15, "disk-snapshot")

	rc, err := f.builder.Build(context.Background(), b.ID)
	require.NoError(t, err)

	assert.Equal(t, 15, rc.LastCompletedState)
	require.NotNil(t, rc.FailedState)
	assert.Equal(t, 20, *rc.FailedState)
	assert.Equal(t, 20, rc.ResumeFromState)
	assert.True(t, rc.Resumable)
	assert.False(t, rc.Incomplete)
	assert.Equal(t, core.ResumeFromArtifact, rc.Strategy)
	require.Len(t, rc.Artifacts, 1)
	assert.Equal(t, "disk-snapshot", rc.Artifacts[0].Name)
}

func TestBuilder_InProgressBuildResumesAfterLastCompleted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	b := &core.Build{ProjectID: f.project.ID, Platform: "gitlab"}
	require.NoError(t, f.ledger.CreateBuild(ctx, b))
	for _, state := range []int{5, 10} {
		_, err := f.ledger.Record(ctx, b.ID, state, core.TransitionCompleted, ledger.RecordOptions{})
		require.NoError(t, err)
	}
	f.allowResume(t, 15, nil, nil)

	rc, err := f.builder.Build(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, rc.FailedState)
	assert.Equal(t, 15, rc.ResumeFromState)
	assert.True(t, rc.Resumable)
}

func TestBuilder_NoPolicyMeansNotResumable(t *testing.T) {
	f := setup(t)
	b := f.failedBuild(t)

	rc, err := f.builder.Build(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, rc.Resumable)
	assert.NotEmpty(t, rc.Reason)
}

func TestBuilder_PolicyCanForbidResume(t *testing.T) {
	f := setup(t)
	b := f.failedBuild(t)
	require.NoError(t, f.store.UpsertResumePolicy(context.Background(), &core.ResumePolicy{
		ProjectID: f.project.ID, StateCode: 20, IsResumable: false,
	}))

	rc, err := f.builder.Build(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, rc.Resumable)
}

func TestBuilder_RequiredTypePicksMostRecent(t *testing.T) {
	f := setup(t)
	b := f.failedBuild(t)
	// Requirements match by name or by type; a type requirement resolves to
	// the newest live artifact of that type below the target.
	f.allowResume(t, 20, []string{"snapshot"}, nil)

	f.addSnapshot(t, b.ID, 10, "disk-stage-10")
	f.addSnapshot(t, b.ID, 15, "disk-stage-15")

	rc, err := f.builder.Build(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, rc.Artifacts, 1)
	assert.Equal(t, "disk-stage-15", rc.Artifacts[0].Name)
	assert.False(t, rc.Incomplete)
}

func TestBuilder_DeletedArtifactMakesContextIncomplete(t *testing.T) {
	f := setup(t)
	b := f.failedBuild(t)
	f.allowResume(t, 20, []string{"disk-snapshot"}, nil)
	snap := f.addSnapshot(t, b.ID, 15, "disk-snapshot")

	rc, err := f.builder.Build(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, rc.Incomplete)

	require.NoError(t, f.store.SoftDeleteArtifact(context.Background(), snap.ID))

	rc, err = f.builder.Build(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, rc.Incomplete)
	assert.Equal(t, []string{"disk-snapshot"}, rc.MissingArtifacts)
}

func TestBuilder_ArtifactsBeyondTargetExcluded(t *testing.T) {
	f := setup(t)
	b := f.failedBuild(t)
	f.allowResume(t, 20, []string{"late-snapshot"}, nil)
	// Registered at the failed milestone itself: not usable as input.
	f.addSnapshot(t, b.ID, 20, "late-snapshot")

	rc, err := f.builder.Build(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, rc.Incomplete)
}

func TestBuilder_MissingRequiredVariable(t *testing.T) {
	f := setup(t)
	b := f.failedBuild(t)
	f.allowResume(t, 20, nil, []string{"instance_id", "vpc_id"})

	require.NoError(t, f.store.UpsertVariable(context.Background(), &core.Variable{
		BuildID: b.ID, Key: "instance_id", Value: "i-123", IsRequiredForResume: true,
	}))

	rc, err := f.builder.Build(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, rc.Incomplete)
	assert.Equal(t, []string{"vpc_id"}, rc.MissingVariables)
}

func TestContext_VariableMapMasksSensitive(t *testing.T) {
	f := setup(t)
	b := f.failedBuild(t)
	f.allowResume(t, 20, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertVariable(ctx, &core.Variable{
		BuildID: b.ID, Key: "api_token", Value: "s3cret", IsSensitive: true, IsRequiredForResume: true,
	}))
	require.NoError(t, f.store.UpsertVariable(ctx, &core.Variable{
		BuildID: b.ID, Key: "region", Value: "us-east-1", IsRequiredForResume: true,
	}))

	rc, err := f.builder.Build(ctx, b.ID)
	require.NoError(t, err)

	display := rc.VariableMap(true)
	assert.Equal(t, core.MaskedValue, display["api_token"])
	assert.Equal(t, "us-east-1", display["region"])

	raw := rc.VariableMap(false)
	assert.Equal(t, "s3cret", raw["api_token"])
}
