package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/bldst/buildstate/pkg/core"
)

// GormStore implements Store using GORM. SQLite serves development and
// tests; Postgres is the production target. Conditional updates are
// expressed as UPDATE ... WHERE guards with RowsAffected checks so the
// database, not the process, arbitrates races.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB returns the underlying gorm handle.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables and indexes.
func (s *GormStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(
		&core.Project{},
		&core.Build{},
		&core.StateTransition{},
		&core.Artifact{},
		&core.Variable{},
		&core.ResumePolicy{},
		&core.ResumeRequest{},
	); err != nil {
		return err
	}

	// Partial unique indexes put the write-once artifact name and the
	// at-most-one-in-flight resume request invariants in the database
	// itself. Two concurrent inserts then race on a constraint, not on a
	// read, which SQLite and Postgres both arbitrate correctly.
	for _, stmt := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_live_name
			ON artifacts (build_id, name) WHERE deleted_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_resume_requests_in_flight
			ON resume_requests (build_id) WHERE status IN ('pending', 'triggered', 'running')`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

func (s *GormStore) CreateProject(ctx context.Context, p *core.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *GormStore) GetProject(ctx context.Context, id string) (*core.Project, error) {
	var p core.Project
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// Build registry
// ---------------------------------------------------------------------------

func (s *GormStore) CreateBuild(ctx context.Context, b *core.Build) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = core.BuildInProgress
	}
	err := s.db.WithContext(ctx).Create(b).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return core.ErrBuildExists
	}
	return err
}

func (s *GormStore) GetBuild(ctx context.Context, id string) (*core.Build, error) {
	var b core.Build
	err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrBuildNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *GormStore) ListBuilds(ctx context.Context, f BuildFilter) ([]*core.Build, error) {
	q := s.db.WithContext(ctx).Model(&core.Build{})
	if f.ProjectID != "" {
		q = q.Where("project_id = ?", f.ProjectID)
	}
	if f.Platform != "" {
		q = q.Where("platform = ?", f.Platform)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var builds []*core.Build
	err := q.Order("created_at DESC").Find(&builds).Error
	return builds, err
}

// AdvanceBuild is the single write path for the build pointer. The WHERE
// clause on current_state makes it a compare-and-set: a concurrent writer
// that moved the pointer first causes RowsAffected == 0.
func (s *GormStore) AdvanceBuild(ctx context.Context, buildID string, fromState, toState int, status core.BuildStatus) error {
	res := s.db.WithContext(ctx).
		Model(&core.Build{}).
		Where("id = ? AND current_state = ?", buildID, fromState).
		Updates(map[string]interface{}{
			"current_state": toState,
			"status":        status,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetBuild(ctx, buildID); err != nil {
			return err
		}
		return &core.ConflictError{Entity: "build", ID: buildID}
	}
	return nil
}

// FreezeBuild marks the build failed. The pointer is deliberately left
// alone: failure never rolls back recorded progress.
func (s *GormStore) FreezeBuild(ctx context.Context, buildID string) error {
	res := s.db.WithContext(ctx).
		Model(&core.Build{}).
		Where("id = ?", buildID).
		Update("status", core.BuildFailed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrBuildNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// State ledger
// ---------------------------------------------------------------------------

// AppendTransition inserts a ledger entry. Entries are append-only; there is
// no update or delete path for this table.
func (s *GormStore) AppendTransition(ctx context.Context, t *core.StateTransition) error {
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.RecordedAt.IsZero() {
		t.RecordedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *GormStore) ListTransitions(ctx context.Context, buildID string, limit int) ([]core.StateTransition, error) {
	q := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("recorded_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ts []core.StateTransition
	err := q.Find(&ts).Error
	return ts, err
}

// HighestCompletedState returns the highest milestone with a completed
// entry, and false when the build has no completed entries yet.
func (s *GormStore) HighestCompletedState(ctx context.Context, buildID string) (int, bool, error) {
	var max *int
	err := s.db.WithContext(ctx).
		Model(&core.StateTransition{}).
		Where("build_id = ? AND status = ?", buildID, core.TransitionCompleted).
		Select("MAX(state)").
		Scan(&max).Error
	if err != nil {
		return 0, false, err
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

func (s *GormStore) LatestFailedTransition(ctx context.Context, buildID string) (*core.StateTransition, error) {
	var t core.StateTransition
	err := s.db.WithContext(ctx).
		Where("build_id = ? AND status = ?", buildID, core.TransitionFailed).
		Order("recorded_at DESC, id DESC").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *GormStore) CountTransitions(ctx context.Context, buildID string, state int, status core.TransitionStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&core.StateTransition{}).
		Where("build_id = ? AND state = ? AND status = ?", buildID, state, status).
		Count(&n).Error
	return n, err
}

// ---------------------------------------------------------------------------
// Artifact registry
// ---------------------------------------------------------------------------

// CreateArtifact registers a write-once artifact. Name uniqueness among
// non-deleted rows is enforced by the partial unique index, so a duplicate
// insert fails at the database regardless of concurrent writers, and a
// soft-deleted name can be reused.
func (s *GormStore) CreateArtifact(ctx context.Context, a *core.Artifact) error {
	if a.IsResumable && a.Checksum == "" {
		return core.ErrChecksumRequired
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.ChecksumAlgorithm == "" && a.Checksum != "" {
		a.ChecksumAlgorithm = "sha256"
	}
	err := s.db.WithContext(ctx).Create(a).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return core.ErrDuplicateArtifact
	}
	return err
}

func (s *GormStore) GetArtifact(ctx context.Context, id string) (*core.Artifact, error) {
	var a core.Artifact
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *GormStore) ListArtifacts(ctx context.Context, buildID string, f ArtifactFilter) ([]core.Artifact, error) {
	q := s.db.WithContext(ctx).
		Where("build_id = ? AND deleted_at IS NULL", buildID)
	if f.StateCode != nil {
		q = q.Where("state_code = ?", *f.StateCode)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.IsResumable != nil {
		q = q.Where("is_resumable = ?", *f.IsResumable)
	}
	if f.IsFinal != nil {
		q = q.Where("is_final = ?", *f.IsFinal)
	}
	var as []core.Artifact
	err := q.Order("state_code ASC, created_at ASC").Find(&as).Error
	return as, err
}

// ListResumableArtifacts returns live resumable artifacts, newest milestone
// first, so the first match for a name is "the most recent artifact at or
// before the target state".
func (s *GormStore) ListResumableArtifacts(ctx context.Context, buildID string, asOfState *int) ([]core.Artifact, error) {
	q := s.db.WithContext(ctx).
		Where("build_id = ? AND is_resumable = ? AND deleted_at IS NULL", buildID, true)
	if asOfState != nil {
		q = q.Where("state_code <= ?", *asOfState)
	}
	var as []core.Artifact
	err := q.Order("state_code DESC, created_at DESC").Find(&as).Error
	return as, err
}

// SoftDeleteArtifact excludes the artifact from resumability queries while
// retaining the row for audit.
func (s *GormStore) SoftDeleteArtifact(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&core.Artifact{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrArtifactNotFound
	}
	return nil
}

// SweepExpiredArtifacts soft-deletes artifacts past their expiry.
func (s *GormStore) SweepExpiredArtifacts(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&core.Artifact{}).
		Where("expires_at IS NOT NULL AND expires_at < ? AND deleted_at IS NULL", now).
		Update("deleted_at", now)
	return res.RowsAffected, res.Error
}

// ---------------------------------------------------------------------------
// Variable store
// ---------------------------------------------------------------------------

// UpsertVariable writes a variable with last-write-wins semantics keyed on
// (build, key).
func (s *GormStore) UpsertVariable(ctx context.Context, v *core.Variable) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing core.Variable
		err := tx.Where("build_id = ? AND key = ?", v.BuildID, v.Key).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if v.ID == "" {
				v.ID = uuid.New().String()
			}
			return tx.Create(v).Error
		}
		if err != nil {
			return err
		}
		v.ID = existing.ID
		v.CreatedAt = existing.CreatedAt
		return tx.Model(&core.Variable{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"value":                  v.Value,
				"type":                   v.Type,
				"set_at_state":           v.SetAtState,
				"is_sensitive":           v.IsSensitive,
				"is_required_for_resume": v.IsRequiredForResume,
			}).Error
	})
}

func (s *GormStore) ListVariables(ctx context.Context, buildID string) ([]core.Variable, error) {
	var vs []core.Variable
	err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("key ASC").
		Find(&vs).Error
	return vs, err
}

func (s *GormStore) RequiredForResume(ctx context.Context, buildID string) ([]core.Variable, error) {
	var vs []core.Variable
	err := s.db.WithContext(ctx).
		Where("build_id = ? AND is_required_for_resume = ?", buildID, true).
		Order("key ASC").
		Find(&vs).Error
	return vs, err
}

// ---------------------------------------------------------------------------
// Resume policy
// ---------------------------------------------------------------------------

func (s *GormStore) UpsertResumePolicy(ctx context.Context, p *core.ResumePolicy) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing core.ResumePolicy
		err := tx.Where("project_id = ? AND state_code = ?", p.ProjectID, p.StateCode).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if p.ID == "" {
				p.ID = uuid.New().String()
			}
			return tx.Create(p).Error
		}
		if err != nil {
			return err
		}
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
		return tx.Save(p).Error
	})
}

func (s *GormStore) GetResumePolicy(ctx context.Context, projectID string, stateCode int) (*core.ResumePolicy, error) {
	var p core.ResumePolicy
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND state_code = ?", projectID, stateCode).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) ListResumePolicies(ctx context.Context, projectID string) ([]core.ResumePolicy, error) {
	var ps []core.ResumePolicy
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("state_code ASC").
		Find(&ps).Error
	return ps, err
}

// ---------------------------------------------------------------------------
// Resume request tracker / dispatch queue
// ---------------------------------------------------------------------------

// CreateResumeRequest inserts a pending request unless a non-terminal one
// already exists for the build. The partial unique index on in-flight
// requests makes the insert itself the check, so two concurrent triggers
// on the same failure cannot both get through.
func (s *GormStore) CreateResumeRequest(ctx context.Context, r *core.ResumeRequest) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = core.RequestPending
	}
	err := s.db.WithContext(ctx).Create(r).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return core.ErrResumeAlreadyPending
	}
	return err
}

func (s *GormStore) GetResumeRequest(ctx context.Context, id string) (*core.ResumeRequest, error) {
	var r core.ResumeRequest
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *GormStore) ListResumeRequests(ctx context.Context, buildID string) ([]core.ResumeRequest, error) {
	var rs []core.ResumeRequest
	err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("created_at DESC").
		Find(&rs).Error
	return rs, err
}

func (s *GormStore) ListRequestsByStatus(ctx context.Context, limit int, statuses ...core.RequestStatus) ([]core.ResumeRequest, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rs []core.ResumeRequest
	err := q.Find(&rs).Error
	return rs, err
}

// ClaimPendingRequest fetches and locks the next dispatchable request.
// Returns nil, nil when none is due.
func (s *GormStore) ClaimPendingRequest(ctx context.Context, workerID string, lockTTL time.Duration) (*core.ResumeRequest, error) {
	var req core.ResumeRequest
	now := time.Now().UTC()
	lockUntil := now.Add(lockTTL)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("status = ?", core.RequestPending).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("created_at ASC").
			First(&req)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		req.LockedBy = workerID
		req.LockedUntil = &lockUntil
		req.DispatchAttempts++
		return tx.Save(&req).Error
	})
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, nil
	}
	return &req, nil
}

// MarkTriggered transitions pending -> triggered and records the external
// job linkage. Guarded on the current status so a cancelled or already
// dispatched request is not overwritten.
func (s *GormStore) MarkTriggered(ctx context.Context, id, jobID, jobURL string) error {
	return s.guardedUpdate(ctx, id, []core.RequestStatus{core.RequestPending}, map[string]interface{}{
		"status":       core.RequestTriggered,
		"job_id":       jobID,
		"job_url":      jobURL,
		"locked_by":    "",
		"locked_until": nil,
	})
}

func (s *GormStore) MarkRunning(ctx context.Context, id string) error {
	return s.guardedUpdate(ctx, id, []core.RequestStatus{core.RequestTriggered}, map[string]interface{}{
		"status": core.RequestRunning,
	})
}

func (s *GormStore) CompleteRequest(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.guardedUpdate(ctx, id, []core.RequestStatus{core.RequestTriggered, core.RequestRunning}, map[string]interface{}{
		"status":       core.RequestCompleted,
		"completed_at": now,
	})
}

func (s *GormStore) FailRequest(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	return s.guardedUpdate(ctx, id, core.NonTerminalStatuses, map[string]interface{}{
		"status":        core.RequestFailed,
		"error_message": errMsg,
		"completed_at":  now,
		"locked_by":     "",
		"locked_until":  nil,
	})
}

// RequeueRequest releases the lock and defers the next dispatch attempt.
func (s *GormStore) RequeueRequest(ctx context.Context, id string, nextAttemptAt time.Time) error {
	return s.guardedUpdate(ctx, id, []core.RequestStatus{core.RequestPending}, map[string]interface{}{
		"next_attempt_at": nextAttemptAt,
		"locked_by":       "",
		"locked_until":    nil,
	})
}

// CancelRequest cancels a pending request outright; for a dispatched one it
// only records the cancellation intent, since the authoritative outcome is
// whatever the next poll observes.
func (s *GormStore) CancelRequest(ctx context.Context, id string) (*core.ResumeRequest, error) {
	var out core.ResumeRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r core.ResumeRequest
		if err := tx.First(&r, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrRequestNotFound
			}
			return err
		}
		switch r.Status {
		case core.RequestPending:
			now := time.Now().UTC()
			r.Status = core.RequestCancelled
			r.CompletedAt = &now
			r.LockedBy = ""
			r.LockedUntil = nil
		case core.RequestTriggered, core.RequestRunning:
			r.CancelRequested = true
		default:
			return core.ErrNotCancellable
		}
		if err := tx.Save(&r).Error; err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleaseStaleRequestLocks clears locks abandoned by a crashed dispatcher.
func (s *GormStore) ReleaseStaleRequestLocks(ctx context.Context, staleFor time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleFor)
	res := s.db.WithContext(ctx).
		Model(&core.ResumeRequest{}).
		Where("status = ? AND locked_until IS NOT NULL AND locked_until < ?", core.RequestPending, cutoff).
		Updates(map[string]interface{}{
			"locked_by":    "",
			"locked_until": nil,
		})
	return res.RowsAffected, res.Error
}

func (s *GormStore) guardedUpdate(ctx context.Context, id string, from []core.RequestStatus, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).
		Model(&core.ResumeRequest{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetResumeRequest(ctx, id); err != nil {
			return err
		}
		return &core.ConflictError{Entity: "resume_request", ID: id}
	}
	return nil
}
