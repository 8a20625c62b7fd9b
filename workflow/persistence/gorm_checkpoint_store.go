package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/researchflow/workflow"
)

var _ workflow.CheckpointStore = (*GormCheckpointStore)(nil)

var activeStatuses = []string{
	string(workflow.RunPending),
	string(workflow.RunInProgress),
	string(workflow.RunWaitingGate),
}

// GormCheckpointStore persists checkpoints in the workflow_runs table. The
// version check is a conditional UPDATE, so it holds across processes
// sharing the database.
type GormCheckpointStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormCheckpointStore creates a store on db.
func NewGormCheckpointStore(db *gorm.DB, logger *zap.Logger) *GormCheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormCheckpointStore{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_checkpoint_store")),
	}
}

// Load returns the stored checkpoint.
func (s *GormCheckpointStore) Load(ctx context.Context, runID string) (*workflow.Checkpoint, error) {
	var rec runRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp, err := decodeCheckpoint([]byte(rec.Payload))
	if err != nil {
		return nil, err
	}
	cp.Version = rec.Version
	return cp, nil
}

// Save inserts when expectedVersion is 0 and otherwise updates the row
// whose version still equals expectedVersion.
func (s *GormCheckpointStore) Save(ctx context.Context, cp *workflow.Checkpoint, expectedVersion int64) (int64, error) {
	next := expectedVersion + 1
	stored := *cp
	stored.Version = next
	payload, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint: %w", err)
	}

	db := s.db.WithContext(ctx)
	if expectedVersion == 0 {
		rec := runRecord{
			RunID:             cp.Run.RunID,
			WorkflowID:        cp.Run.WorkflowID,
			DefinitionVersion: cp.Run.Version,
			Status:            string(cp.Run.Status),
			Version:           next,
			Payload:           string(payload),
			StartedAt:         cp.Run.StartedAt,
			UpdatedAt:         cp.Run.UpdatedAt,
		}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if res.Error != nil {
			return 0, fmt.Errorf("create checkpoint: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return s.currentVersion(ctx, cp.Run.RunID), workflow.ErrVersionConflict
		}
		return next, nil
	}

	res := db.Model(&runRecord{}).
		Where("run_id = ? AND version = ?", cp.Run.RunID, expectedVersion).
		Updates(map[string]any{
			"status":     string(cp.Run.Status),
			"version":    next,
			"payload":    string(payload),
			"updated_at": cp.Run.UpdatedAt,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("update checkpoint: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		current := s.currentVersion(ctx, cp.Run.RunID)
		s.logger.Debug("checkpoint version mismatch",
			zap.String("run_id", cp.Run.RunID),
			zap.Int64("expected_version", expectedVersion),
			zap.Int64("current_version", current))
		return current, workflow.ErrVersionConflict
	}
	return next, nil
}

func (s *GormCheckpointStore) currentVersion(ctx context.Context, runID string) int64 {
	var rec runRecord
	if err := s.db.WithContext(ctx).Select("version").Where("run_id = ?", runID).Take(&rec).Error; err != nil {
		return 0
	}
	return rec.Version
}

// CountActive counts PENDING, IN_PROGRESS and WAITING_GATE rows.
func (s *GormCheckpointStore) CountActive(ctx context.Context, workflowID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&runRecord{}).
		Where("workflow_id = ? AND status IN ?", workflowID, activeStatuses).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return int(n), nil
}

// ListRuns returns the runs of a workflow, newest first, for operator views.
func (s *GormCheckpointStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]workflow.WorkflowRun, error) {
	q := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []runRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]workflow.WorkflowRun, 0, len(recs))
	for _, r := range recs {
		runs = append(runs, workflow.WorkflowRun{
			RunID:      r.RunID,
			WorkflowID: r.WorkflowID,
			Version:    r.DefinitionVersion,
			Status:     workflow.RunStatus(r.Status),
			StartedAt:  r.StartedAt,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	return runs, nil
}
