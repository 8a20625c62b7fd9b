package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/researchflow/workflow"
)

var (
	_ workflow.DefinitionStore = (*GormCatalog)(nil)
	_ workflow.PolicyStore     = (*GormCatalog)(nil)
)

// GormCatalog stores definition versions and workflow policies.
type GormCatalog struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewGormCatalog creates a catalog on db.
func NewGormCatalog(db *gorm.DB, logger *zap.Logger) *GormCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormCatalog{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_catalog")),
		now:    time.Now,
	}
}

// PutDefinition stores a new version. An existing (workflowId, version)
// is never overwritten.
func (c *GormCatalog) PutDefinition(ctx context.Context, def *workflow.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	rec := definitionRecord{
		WorkflowID: def.WorkflowID,
		Version:    def.Version,
		Document:   string(doc),
		CreatedAt:  c.now().UTC(),
	}
	res := c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return fmt.Errorf("store definition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s@%d", ErrDefinitionExists, def.WorkflowID, def.Version)
	}
	c.logger.Info("definition stored",
		zap.String("workflow_id", def.WorkflowID),
		zap.Int("version", def.Version))
	return nil
}

// GetDefinition loads one version.
func (c *GormCatalog) GetDefinition(ctx context.Context, workflowID string, version int) (*workflow.WorkflowDefinition, error) {
	var rec definitionRecord
	err := c.db.WithContext(ctx).
		Where("workflow_id = ? AND version = ?", workflowID, version).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s@%d", workflow.ErrDefinitionNotFound, workflowID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	return workflow.DefinitionFromJSON([]byte(rec.Document))
}

// LatestVersion returns the highest stored version of a workflow.
func (c *GormCatalog) LatestVersion(ctx context.Context, workflowID string) (int, error) {
	var rec definitionRecord
	err := c.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("version DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %s", workflow.ErrDefinitionNotFound, workflowID)
	}
	if err != nil {
		return 0, fmt.Errorf("load latest version: %w", err)
	}
	return rec.Version, nil
}

// PutPolicy creates or replaces the policy of p.WorkflowID.
func (c *GormCatalog) PutPolicy(ctx context.Context, p *workflow.WorkflowPolicy) error {
	stages := p.AllowedStages
	if stages == nil {
		stages = []workflow.StageType{}
	}
	allowed, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("marshal allowed stages: %w", err)
	}
	rec := policyRecord{
		WorkflowID:        p.WorkflowID,
		MaxConcurrentRuns: p.MaxConcurrentRuns,
		RequireApproval:   p.RequireApproval,
		AllowedStages:     string(allowed),
		UpdatedAt:         c.now().UTC(),
	}
	err = c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workflow_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"max_concurrent_runs", "require_approval", "allowed_stages", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("store policy: %w", err)
	}
	return nil
}

// GetPolicy loads the policy of a workflow.
func (c *GormCatalog) GetPolicy(ctx context.Context, workflowID string) (*workflow.WorkflowPolicy, error) {
	var rec policyRecord
	err := c.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrPolicyNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	p := &workflow.WorkflowPolicy{
		WorkflowID:        rec.WorkflowID,
		MaxConcurrentRuns: rec.MaxConcurrentRuns,
		RequireApproval:   rec.RequireApproval,
	}
	if rec.AllowedStages != "" {
		if err := json.Unmarshal([]byte(rec.AllowedStages), &p.AllowedStages); err != nil {
			return nil, fmt.Errorf("decode allowed stages: %w", err)
		}
	}
	if len(p.AllowedStages) == 0 {
		p.AllowedStages = nil
	}
	return p, nil
}
