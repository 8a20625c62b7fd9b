package persistence

import (
	"time"

	"gorm.io/gorm"
)

// runRecord is the SQL row of one checkpoint. Payload holds the JSON
// checkpoint; the other columns exist for filtering and the version check.
type runRecord struct {
	RunID             string    `gorm:"primaryKey;size:64;column:run_id"`
	WorkflowID        string    `gorm:"size:128;not null;index:idx_workflow_runs_workflow_status,priority:1"`
	DefinitionVersion int       `gorm:"not null"`
	Status            string    `gorm:"size:32;not null;index:idx_workflow_runs_workflow_status,priority:2"`
	Version           int64     `gorm:"not null"`
	Payload           string    `gorm:"type:text;not null"`
	StartedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false;not null"`
}

func (runRecord) TableName() string { return "workflow_runs" }

// definitionRecord stores one immutable definition version as JSON.
type definitionRecord struct {
	WorkflowID string    `gorm:"primaryKey;size:128"`
	Version    int       `gorm:"primaryKey;autoIncrement:false"`
	Document   string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (definitionRecord) TableName() string { return "workflow_definitions" }

type policyRecord struct {
	WorkflowID        string `gorm:"primaryKey;size:128"`
	MaxConcurrentRuns int    `gorm:"not null;default:0"`
	RequireApproval   bool   `gorm:"not null;default:false"`
	// AllowedStages is a JSON array; empty means every stage type.
	AllowedStages string    `gorm:"type:text"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (policyRecord) TableName() string { return "workflow_policies" }

// AutoMigrate creates the run, definition and policy tables. Production
// deployments use the versioned SQL migrations instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&runRecord{}, &definitionRecord{}, &policyRecord{})
}
