package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/workflow"
)

var _ workflow.CompiledCache = (*CompiledCache)(nil)

// CompiledCache stores compiled plans as JSON under
// <prefix>compiled:<workflowId>:<version>. Definition versions are
// immutable, so entries never need invalidation; the TTL only bounds memory.
type CompiledCache struct {
	m *Manager
}

// NewCompiledCache wraps m.
func NewCompiledCache(m *Manager) *CompiledCache {
	return &CompiledCache{m: m}
}

func (c *CompiledCache) key(workflowID string, version int) string {
	return c.m.config.KeyPrefix + "compiled:" + workflowID + ":" + strconv.Itoa(version)
}

// Get returns workflow.ErrCacheMiss when nothing is stored. A corrupt entry
// is dropped and reported as a miss so the caller recompiles.
func (c *CompiledCache) Get(ctx context.Context, workflowID string, version int) (*workflow.CompiledWorkflow, error) {
	key := c.key(workflowID, version)
	data, err := c.m.Get(ctx, key)
	if IsCacheMiss(err) {
		return nil, workflow.ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var w workflow.CompiledWorkflow
	if err := json.Unmarshal(data, &w); err != nil {
		c.m.logger.Warn("dropping undecodable compiled plan",
			zap.String("workflow_id", workflowID),
			zap.Int("version", version))
		_ = c.m.Delete(ctx, key)
		return nil, workflow.ErrCacheMiss
	}
	return &w, nil
}

// Put stores w with the manager's default TTL.
func (c *CompiledCache) Put(ctx context.Context, w *workflow.CompiledWorkflow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal compiled workflow: %w", err)
	}
	return c.m.Set(ctx, c.key(w.WorkflowID, w.Version), data, 0)
}
