package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kbukum/modelrun/dag"
	apperrors "github.com/kbukum/modelrun/errors"
	"github.com/kbukum/modelrun/logger"
)

// Store reads and writes model, path, source-table and job records.
type Store struct {
	db  *DB
	log *logger.Logger
	now func() time.Time
}

// New creates a Store over db.
func New(db *DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log.WithComponent("store"), now: time.Now}
}

// DB returns the underlying connection.
func (s *Store) DB() *DB { return s.db }

// Migrate creates or updates the record tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(Models()...)
}

// --- dependency graph ---

// DependencyPaths returns every recorded chain of the team.
func (s *Store) DependencyPaths(ctx context.Context, teamID int64) ([]dag.Path, error) {
	var rows []ModelPath
	if err := s.db.WithContext(ctx).Where("team_id = ?", teamID).Order("id").Find(&rows).Error; err != nil {
		return nil, FromDatabase(err, "model path")
	}
	paths := make([]dag.Path, 0, len(rows))
	for _, r := range rows {
		paths = append(paths, dag.Path(r.Labels))
	}
	return paths, nil
}

// AlwaysAvailable returns the team's source tables.
func (s *Store) AlwaysAvailable(ctx context.Context, teamID int64) (dag.LabelSet, error) {
	var names []string
	if err := s.db.WithContext(ctx).Model(&SourceTable{}).Where("team_id = ?", teamID).Pluck("name", &names).Error; err != nil {
		return nil, FromDatabase(err, "source table")
	}
	return dag.NewLabelSet(names...), nil
}

// CanonicalLabel maps ref onto the model name used in dependency paths.
func (s *Store) CanonicalLabel(ctx context.Context, teamID int64, ref dag.LabelRef) (string, error) {
	if ref.Kind == dag.ByName {
		return ref.Name, nil
	}
	m, err := s.ResolveModel(ctx, teamID, ref)
	if err != nil {
		return "", err
	}
	return m.Name, nil
}

// SavePath records a dependency chain. Saving the same chain twice is a no-op.
func (s *Store) SavePath(ctx context.Context, teamID int64, path dag.Path) error {
	row := ModelPath{TeamID: teamID, Key: pathKey(path), Labels: []string(path)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	return FromDatabase(err, "model path")
}

// SaveSourceTable records an always-available label. Idempotent.
func (s *Store) SaveSourceTable(ctx context.Context, teamID int64, name string) error {
	row := SourceTable{TeamID: teamID, Name: name}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	return FromDatabase(err, "source table")
}

// --- models ---

// SaveModel creates m or updates the query and columns of the team's model
// with the same name. m.ID is set to the stored ID.
func (s *Store) SaveModel(ctx context.Context, m *SavedModel) error {
	var existing SavedModel
	err := s.db.WithContext(ctx).Where("team_id = ? AND name = ?", m.TeamID, m.Name).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return FromDatabase(s.db.WithContext(ctx).Create(m).Error, "saved model")
	case err != nil:
		return FromDatabase(err, "saved model")
	}

	m.ID = existing.ID
	existing.Query = m.Query
	existing.Columns = m.Columns
	return FromDatabase(s.db.WithContext(ctx).Save(&existing).Error, "saved model")
}

// ResolveModel looks up a model by name or ID within the team.
func (s *Store) ResolveModel(ctx context.Context, teamID int64, ref dag.LabelRef) (*SavedModel, error) {
	var m SavedModel
	q := s.db.WithContext(ctx).Where("team_id = ?", teamID)
	if ref.Kind == dag.ByID {
		q = q.Where("id = ?", ref.ID)
	} else {
		q = q.Where("name = ?", ref.Name)
	}
	if err := q.Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ModelNotFound(ref.String())
		}
		return nil, FromDatabase(err, "saved model")
	}
	return &m, nil
}

// SetModelStatus records status on the model. A completed status also
// records runAt as the last successful run.
func (s *Store) SetModelStatus(ctx context.Context, teamID int64, ref dag.LabelRef, status ModelStatus, runAt time.Time) error {
	updates := map[string]interface{}{"status": status}
	if status == ModelCompleted {
		updates["last_run_at"] = runAt
	}

	q := s.db.WithContext(ctx).Model(&SavedModel{}).Where("team_id = ?", teamID)
	if ref.Kind == dag.ByID {
		q = q.Where("id = ?", ref.ID)
	} else {
		q = q.Where("name = ?", ref.Name)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return FromDatabase(res.Error, "saved model")
	}
	if res.RowsAffected == 0 {
		return apperrors.ModelNotFound(ref.String())
	}
	return nil
}

// RecordOutput stores a successful materialization on the model and clears
// any previous error.
func (s *Store) RecordOutput(ctx context.Context, modelID uuid.UUID, rows int64, location string) error {
	err := s.db.WithContext(ctx).Model(&SavedModel{}).Where("id = ?", modelID).Updates(map[string]interface{}{
		"row_count":    rows,
		"location":     location,
		"latest_error": "",
	}).Error
	return FromDatabase(err, "saved model")
}

// RecordError stores the latest materialization error on the model.
func (s *Store) RecordError(ctx context.Context, modelID uuid.UUID, msg string) error {
	err := s.db.WithContext(ctx).Model(&SavedModel{}).Where("id = ?", modelID).
		Update("latest_error", msg).Error
	return FromDatabase(err, "saved model")
}

// --- jobs ---

// CreateJob inserts job in the running state.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	job.Status = JobRunning
	return FromDatabase(s.db.WithContext(ctx).Create(job).Error, "modeling job")
}

// GetJob reads a job record.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error; err != nil {
		return nil, FromDatabase(err, "modeling job")
	}
	return &job, nil
}

// CompleteJob moves a running job to completed. A job that is no longer
// running is left untouched and a conflict error is returned.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, rows int64) error {
	return s.finishJob(ctx, id, map[string]interface{}{
		"status":            JobCompleted,
		"rows_materialized": rows,
		"last_run_at":       s.now(),
	})
}

// FailJob moves a running job to failed with msg.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, msg string) error {
	return s.finishJob(ctx, id, map[string]interface{}{
		"status":      JobFailed,
		"error":       msg,
		"last_run_at": s.now(),
	})
}

func (s *Store) finishJob(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Updates(updates)
	if res.Error != nil {
		return FromDatabase(res.Error, "modeling job")
	}
	if res.RowsAffected == 0 {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return apperrors.Conflict("job is " + string(job.Status)).
			WithDetail("job_id", id.String()).
			WithDetail("status", string(job.Status))
	}
	return nil
}

// TransitionRunning moves every running job of the workflow to status and
// returns how many changed. msg is recorded as the job error when non-empty.
func (s *Store) TransitionRunning(ctx context.Context, workflowID string, status JobStatus, msg string) (int64, error) {
	updates := map[string]interface{}{"status": status, "last_run_at": s.now()}
	if msg != "" {
		updates["error"] = msg
	}
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("workflow_id = ? AND status = ?", workflowID, JobRunning).
		Updates(updates)
	if res.Error != nil {
		return 0, FromDatabase(res.Error, "modeling job")
	}
	s.log.Info("jobs transitioned", logger.Fields(
		logger.FieldWorkflowID, workflowID,
		logger.FieldStatus, string(status),
		"count", res.RowsAffected,
	))
	return res.RowsAffected, nil
}
