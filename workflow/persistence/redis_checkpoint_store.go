package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/workflow"
)

var _ workflow.CheckpointStore = (*RedisCheckpointStore)(nil)

// RedisCheckpointStore keeps one JSON document per run and a set of active
// run ids per workflow. Saves run inside WATCH so a concurrent writer makes
// the transaction fail instead of overwriting.
type RedisCheckpointStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisCheckpointStore wraps an existing client. The caller owns the
// client lifecycle.
func NewRedisCheckpointStore(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisCheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisCheckpointStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_checkpoint_store")),
	}
}

func (s *RedisCheckpointStore) runKey(runID string) string {
	return s.keyPrefix + "run:" + runID
}

func (s *RedisCheckpointStore) activeKey(workflowID string) string {
	return s.keyPrefix + "active:" + workflowID
}

// Load returns the stored checkpoint.
func (s *RedisCheckpointStore) Load(ctx context.Context, runID string) (*workflow.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

// Save writes cp if the stored version equals expectedVersion.
func (s *RedisCheckpointStore) Save(ctx context.Context, cp *workflow.Checkpoint, expectedVersion int64) (int64, error) {
	key := s.runKey(cp.Run.RunID)
	next := expectedVersion + 1

	stored := *cp
	stored.Version = next
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint: %w", err)
	}

	var current int64
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			current = 0
		case err != nil:
			return err
		default:
			existing, err := decodeCheckpoint(raw)
			if err != nil {
				return err
			}
			current = existing.Version
		}
		if current != expectedVersion {
			return workflow.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if cp.Run.Status.Active() {
				pipe.SAdd(ctx, s.activeKey(cp.Run.WorkflowID), cp.Run.RunID)
			} else {
				pipe.SRem(ctx, s.activeKey(cp.Run.WorkflowID), cp.Run.RunID)
			}
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, workflow.ErrVersionConflict):
		return current, workflow.ErrVersionConflict
	case errors.Is(err, redis.TxFailedErr):
		s.logger.Debug("checkpoint transaction lost race",
			zap.String("run_id", cp.Run.RunID),
			zap.Int64("expected_version", expectedVersion))
		return current, workflow.ErrVersionConflict
	default:
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}
}

// CountActive returns the size of the workflow's active-run set.
func (s *RedisCheckpointStore) CountActive(ctx context.Context, workflowID string) (int, error) {
	n, err := s.client.SCard(ctx, s.activeKey(workflowID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return int(n), nil
}

// Ping checks the connection.
func (s *RedisCheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeCheckpoint(data []byte) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return cp.Clone(), nil
}
