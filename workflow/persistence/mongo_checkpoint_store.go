package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/workflow"
)

var _ workflow.CheckpointStore = (*MongoCheckpointStore)(nil)

// DefaultMongoCollection is used when no collection name is configured.
const DefaultMongoCollection = "workflow_runs"

// runDocument mirrors runRecord. The checkpoint stays a JSON string so the
// payload round-trips byte for byte.
type runDocument struct {
	RunID             string    `bson:"_id"`
	WorkflowID        string    `bson:"workflow_id"`
	DefinitionVersion int       `bson:"definition_version"`
	Status            string    `bson:"status"`
	Version           int64     `bson:"version"`
	Payload           string    `bson:"payload"`
	StartedAt         time.Time `bson:"started_at"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

// MongoCheckpointStore persists checkpoints in one collection. Updates
// filter on {_id, version}, which makes the version check atomic.
type MongoCheckpointStore struct {
	col    *mongo.Collection
	logger *zap.Logger
}

// NewMongoCheckpointStore uses collection name in db. The caller owns the
// client lifecycle.
func NewMongoCheckpointStore(db *mongo.Database, name string, logger *zap.Logger) *MongoCheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = DefaultMongoCollection
	}
	return &MongoCheckpointStore{
		col:    db.Collection(name),
		logger: logger.With(zap.String("component", "mongo_checkpoint_store")),
	}
}

// EnsureIndexes creates the (workflow_id, status) index used by CountActive.
func (s *MongoCheckpointStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "workflow_id", Value: 1},
			{Key: "status", Value: 1},
		},
		Options: options.Index().SetName("idx_workflow_status"),
	})
	if err != nil {
		return fmt.Errorf("create run indexes: %w", err)
	}
	return nil
}

// Load returns the stored checkpoint.
func (s *MongoCheckpointStore) Load(ctx context.Context, runID string) (*workflow.Checkpoint, error) {
	var doc runDocument
	err := s.col.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp, err := decodeCheckpoint([]byte(doc.Payload))
	if err != nil {
		return nil, err
	}
	cp.Version = doc.Version
	return cp, nil
}

// Save inserts for expectedVersion 0 and otherwise updates the document
// only while its version still matches.
func (s *MongoCheckpointStore) Save(ctx context.Context, cp *workflow.Checkpoint, expectedVersion int64) (int64, error) {
	next := expectedVersion + 1
	stored := *cp
	stored.Version = next
	payload, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint: %w", err)
	}

	if expectedVersion == 0 {
		_, err := s.col.InsertOne(ctx, runDocument{
			RunID:             cp.Run.RunID,
			WorkflowID:        cp.Run.WorkflowID,
			DefinitionVersion: cp.Run.Version,
			Status:            string(cp.Run.Status),
			Version:           next,
			Payload:           string(payload),
			StartedAt:         cp.Run.StartedAt,
			UpdatedAt:         cp.Run.UpdatedAt,
		})
		if mongo.IsDuplicateKeyError(err) {
			return s.currentVersion(ctx, cp.Run.RunID), workflow.ErrVersionConflict
		}
		if err != nil {
			return 0, fmt.Errorf("create checkpoint: %w", err)
		}
		return next, nil
	}

	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": cp.Run.RunID, "version": expectedVersion},
		bson.M{"$set": bson.M{
			"status":     string(cp.Run.Status),
			"version":    next,
			"payload":    string(payload),
			"updated_at": cp.Run.UpdatedAt,
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("update checkpoint: %w", err)
	}
	if res.MatchedCount == 0 {
		current := s.currentVersion(ctx, cp.Run.RunID)
		s.logger.Debug("checkpoint version mismatch",
			zap.String("run_id", cp.Run.RunID),
			zap.Int64("expected_version", expectedVersion),
			zap.Int64("current_version", current))
		return current, workflow.ErrVersionConflict
	}
	return next, nil
}

func (s *MongoCheckpointStore) currentVersion(ctx context.Context, runID string) int64 {
	var doc runDocument
	opts := options.FindOne().SetProjection(bson.M{"version": 1})
	if err := s.col.FindOne(ctx, bson.M{"_id": runID}, opts).Decode(&doc); err != nil {
		return 0
	}
	return doc.Version
}

// CountActive counts PENDING, IN_PROGRESS and WAITING_GATE documents.
func (s *MongoCheckpointStore) CountActive(ctx context.Context, workflowID string) (int, error) {
	n, err := s.col.CountDocuments(ctx, bson.M{
		"workflow_id": workflowID,
		"status":      bson.M{"$in": activeStatuses},
	})
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return int(n), nil
}
