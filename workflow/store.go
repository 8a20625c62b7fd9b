package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// CheckpointStore persists run checkpoints. Save must be atomic: it writes
// cp only if the stored version equals expectedVersion (0 means the run must
// not exist yet) and returns the new version, otherwise ErrVersionConflict.
type CheckpointStore interface {
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint, expectedVersion int64) (int64, error)
	// CountActive returns the number of non-terminal runs of a workflow.
	CountActive(ctx context.Context, workflowID string) (int, error)
}

// DefinitionStore serves immutable definition versions.
type DefinitionStore interface {
	GetDefinition(ctx context.Context, workflowID string, version int) (*WorkflowDefinition, error)
}

// PolicyStore serves the policy attached to a workflow.
type PolicyStore interface {
	GetPolicy(ctx context.Context, workflowID string) (*WorkflowPolicy, error)
}

// CompiledCache holds compiled plans keyed by (workflowID, version).
type CompiledCache interface {
	Get(ctx context.Context, workflowID string, version int) (*CompiledWorkflow, error)
	Put(ctx context.Context, w *CompiledWorkflow) error
}

// MemoryCheckpointStore is an in-process CheckpointStore.
type MemoryCheckpointStore struct {
	mu   sync.RWMutex
	runs map[string]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{runs: make(map[string]*Checkpoint)}
}

func (s *MemoryCheckpointStore) Load(_ context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return cp.Clone(), nil
}

func (s *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if existing, ok := s.runs[cp.Run.RunID]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return current, ErrVersionConflict
	}
	stored := cp.Clone()
	stored.Version = expectedVersion + 1
	s.runs[cp.Run.RunID] = stored
	return stored.Version, nil
}

func (s *MemoryCheckpointStore) CountActive(_ context.Context, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, cp := range s.runs {
		if cp.Run.WorkflowID == workflowID && cp.Run.Status.Active() {
			n++
		}
	}
	return n, nil
}

// List returns every stored checkpoint of a workflow ordered by start time.
func (s *MemoryCheckpointStore) List(workflowID string) []*Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Checkpoint
	for _, cp := range s.runs {
		if cp.Run.WorkflowID == workflowID {
			out = append(out, cp.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Run.StartedAt.Before(out[j].Run.StartedAt) })
	return out
}

type definitionKey struct {
	workflowID string
	version    int
}

// MemoryDefinitionStore is an in-process DefinitionStore and PolicyStore.
type MemoryDefinitionStore struct {
	mu          sync.RWMutex
	definitions map[definitionKey]*WorkflowDefinition
	policies    map[string]*WorkflowPolicy
}

// NewMemoryDefinitionStore creates an empty store.
func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{
		definitions: make(map[definitionKey]*WorkflowDefinition),
		policies:    make(map[string]*WorkflowPolicy),
	}
}

// PutDefinition stores a definition version. Versions are immutable.
func (s *MemoryDefinitionStore) PutDefinition(_ context.Context, def *WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := definitionKey{def.WorkflowID, def.Version}
	if _, exists := s.definitions[key]; exists {
		return fmt.Errorf("%w: %s@%d", ErrDefinitionExists, def.WorkflowID, def.Version)
	}
	cp := *def
	s.definitions[key] = &cp
	return nil
}

func (s *MemoryDefinitionStore) GetDefinition(_ context.Context, workflowID string, version int) (*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[definitionKey{workflowID, version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%d", ErrDefinitionNotFound, workflowID, version)
	}
	cp := *def
	return &cp, nil
}

// PutPolicy replaces the policy for p.WorkflowID.
func (s *MemoryDefinitionStore) PutPolicy(_ context.Context, p *WorkflowPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.AllowedStages = append([]StageType(nil), p.AllowedStages...)
	s.policies[p.WorkflowID] = &cp
	return nil
}

func (s *MemoryDefinitionStore) GetPolicy(_ context.Context, workflowID string) (*WorkflowPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, workflowID)
	}
	cp := *p
	return &cp, nil
}

// MemoryCompiledCache is an unbounded in-process CompiledCache.
type MemoryCompiledCache struct {
	mu    sync.RWMutex
	plans map[definitionKey]*CompiledWorkflow
}

// NewMemoryCompiledCache creates an empty cache.
func NewMemoryCompiledCache() *MemoryCompiledCache {
	return &MemoryCompiledCache{plans: make(map[definitionKey]*CompiledWorkflow)}
}

func (c *MemoryCompiledCache) Get(_ context.Context, workflowID string, version int) (*CompiledWorkflow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.plans[definitionKey{workflowID, version}]
	if !ok {
		return nil, ErrCacheMiss
	}
	return w, nil
}

func (c *MemoryCompiledCache) Put(_ context.Context, w *CompiledWorkflow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[definitionKey{w.WorkflowID, w.Version}] = w
	return nil
}
