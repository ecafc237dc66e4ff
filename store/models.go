package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ModelStatus is the run status recorded on a saved model.
type ModelStatus string

const (
	ModelRunning   ModelStatus = "running"
	ModelCompleted ModelStatus = "completed"
	ModelFailed    ModelStatus = "failed"
)

// JobStatus is the lifecycle state of a modeling job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Final reports whether no further transition is allowed.
func (s JobStatus) Final() bool { return s != JobRunning }

// Column is one declared output column of a model, typed in the source
// engine's type system.
type Column struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// SavedModel is a named, query-backed model owned by a team. Location is
// the storage key of its latest materialized output.
type SavedModel struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey"`
	TeamID      int64       `gorm:"not null;uniqueIndex:idx_saved_models_team_name"`
	Name        string      `gorm:"size:255;not null;uniqueIndex:idx_saved_models_team_name"`
	Query       string      `gorm:"type:text;not null"`
	Columns     []Column    `gorm:"serializer:json"`
	Status      ModelStatus `gorm:"size:32"`
	LastRunAt   *time.Time
	LatestError string `gorm:"type:text"`
	RowCount    int64
	Location    string    `gorm:"size:1024"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName overrides the gorm table name.
func (SavedModel) TableName() string { return "saved_models" }

// BeforeCreate generates a UUID if not already set.
func (m *SavedModel) BeforeCreate(_ *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// ModelPath is one recorded ancestor-to-descendant dependency chain.
type ModelPath struct {
	ID     uint     `gorm:"primaryKey"`
	TeamID int64    `gorm:"not null;uniqueIndex:idx_model_paths_team_key"`
	Key    string   `gorm:"size:2048;not null;uniqueIndex:idx_model_paths_team_key"`
	Labels []string `gorm:"serializer:json"`
}

// TableName overrides the gorm table name.
func (ModelPath) TableName() string { return "model_paths" }

// pathKey is the unique key of a label chain.
func pathKey(labels []string) string { return strings.Join(labels, "\x1f") }

// SourceTable is a label that is always available and never materialized.
type SourceTable struct {
	ID     uint   `gorm:"primaryKey"`
	TeamID int64  `gorm:"not null;uniqueIndex:idx_source_tables_team_name"`
	Name   string `gorm:"size:255;not null;uniqueIndex:idx_source_tables_team_name"`
}

// TableName overrides the gorm table name.
func (SourceTable) TableName() string { return "source_tables" }

// Job is the record of materializing one model in one run.
type Job struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	TeamID           int64     `gorm:"not null;index"`
	ModelID          uuid.UUID `gorm:"type:uuid;not null;index"`
	ModelName        string    `gorm:"size:255"`
	Status           JobStatus `gorm:"size:32;not null;index"`
	RowsMaterialized int64
	Error            string `gorm:"type:text"`
	WorkflowID       string `gorm:"size:255;index"`
	WorkflowRunID    string `gorm:"size:255"`
	LastRunAt        *time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// TableName overrides the gorm table name.
func (Job) TableName() string { return "modeling_jobs" }

// BeforeCreate generates a UUID if not already set.
func (j *Job) BeforeCreate(_ *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// Models returns every record type for auto-migration.
func Models() []interface{} {
	return []interface{}{&SavedModel{}, &ModelPath{}, &SourceTable{}, &Job{}}
}
