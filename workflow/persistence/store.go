package persistence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/researchflow/workflow"
)

// ErrDefinitionExists is returned when a definition version is stored twice.
var ErrDefinitionExists = workflow.ErrDefinitionExists

// DefaultKeyPrefix namespaces every Redis key written by this package.
const DefaultKeyPrefix = "researchflow:"

// StoreType selects the checkpoint backend.
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
	StoreTypeMongo    StoreType = "mongo"
)

// Valid reports whether t names a supported backend.
func (t StoreType) Valid() bool {
	switch t {
	case StoreTypeMemory, StoreTypeRedis, StoreTypeDatabase, StoreTypeMongo:
		return true
	}
	return false
}

// Config selects and names the backend.
type Config struct {
	Type            StoreType `yaml:"type" json:"type"`
	KeyPrefix       string    `yaml:"key_prefix" json:"key_prefix"`
	MongoDatabase   string    `yaml:"mongo_database" json:"mongo_database"`
	MongoCollection string    `yaml:"mongo_collection" json:"mongo_collection"`
}

// Backends carries already-connected clients; only the one matching
// Config.Type is required. DB, when present, also backs the catalog.
type Backends struct {
	Redis *redis.Client
	DB    *gorm.DB
	Mongo *mongo.Client
}

// Catalog serves and accepts definition versions and policies.
type Catalog interface {
	workflow.DefinitionStore
	workflow.PolicyStore
	PutDefinition(ctx context.Context, def *workflow.WorkflowDefinition) error
	PutPolicy(ctx context.Context, p *workflow.WorkflowPolicy) error
}

// Stores is the assembled persistence layer.
type Stores struct {
	Checkpoints workflow.CheckpointStore
	Catalog     Catalog
}

// New assembles the stores for cfg.
func New(ctx context.Context, cfg Config, b Backends, logger *zap.Logger) (*Stores, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var catalog Catalog
	if b.DB != nil {
		catalog = NewGormCatalog(b.DB, logger)
	} else {
		catalog = workflow.NewMemoryDefinitionStore()
	}

	var checkpoints workflow.CheckpointStore
	switch cfg.Type {
	case StoreTypeMemory, "":
		checkpoints = workflow.NewMemoryCheckpointStore()
	case StoreTypeRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("store type %s requires a redis client", cfg.Type)
		}
		checkpoints = NewRedisCheckpointStore(b.Redis, cfg.KeyPrefix, logger)
	case StoreTypeDatabase:
		if b.DB == nil {
			return nil, fmt.Errorf("store type %s requires a database", cfg.Type)
		}
		checkpoints = NewGormCheckpointStore(b.DB, logger)
	case StoreTypeMongo:
		if b.Mongo == nil {
			return nil, fmt.Errorf("store type %s requires a mongo client", cfg.Type)
		}
		if cfg.MongoDatabase == "" {
			return nil, fmt.Errorf("store type %s requires a database name", cfg.Type)
		}
		ms := NewMongoCheckpointStore(b.Mongo.Database(cfg.MongoDatabase), cfg.MongoCollection, logger)
		if err := ms.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		checkpoints = ms
	default:
		return nil, fmt.Errorf("unsupported checkpoint store type: %s", cfg.Type)
	}

	logger.Info("persistence initialized",
		zap.String("checkpoint_store", string(cfg.Type)),
		zap.Bool("sql_catalog", b.DB != nil))

	return &Stores{Checkpoints: checkpoints, Catalog: catalog}, nil
}
