// Package bootstrap wires configuration into a running flow service
package bootstrap

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/mindflow/mindflow/internal/adapters/repository/bolt"
	"github.com/mindflow/mindflow/internal/adapters/repository/dynamodb"
	"github.com/mindflow/mindflow/internal/adapters/repository/flowstore"
	"github.com/mindflow/mindflow/internal/adapters/repository/memory"
	"github.com/mindflow/mindflow/internal/adapters/repository/postgres"
	"github.com/mindflow/mindflow/internal/adapters/repository/redis"
	"github.com/mindflow/mindflow/internal/adapters/repository/resilient"
	"github.com/mindflow/mindflow/internal/adapters/repository/sqlite"
	"github.com/mindflow/mindflow/internal/app/services"
	"github.com/mindflow/mindflow/internal/core/storage"
	"github.com/mindflow/mindflow/internal/infrastructure/config"
	"github.com/mindflow/mindflow/internal/infrastructure/metrics"
	"github.com/mindflow/mindflow/pkg/serialization"
)

// App holds the wired components
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Medium  storage.Medium
	Store   *flowstore.Store
	Service *services.FlowService
}

// New opens the configured medium and builds the store and service on it
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	serializerConfig, err := cfg.Serialization.SerializerConfig()
	if err != nil {
		return nil, err
	}
	serializer, err := serialization.NewSerializer(serializerConfig)
	if err != nil {
		return nil, errors.Wrap(err, "build serializer")
	}

	medium, err := OpenMedium(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector("mindflow")
	store := flowstore.New(medium,
		flowstore.WithSerializer(serializer),
		flowstore.WithLogger(logger.Named("store")),
		flowstore.WithMetrics(collector),
	)
	service := services.NewFlowService(store,
		services.WithLogger(logger.Named("service")),
		services.WithMetrics(collector),
	)

	logger.Info("storage ready",
		zap.String("driver", cfg.Storage.Driver),
		zap.String("format", store.Format()),
		zap.Bool("breaker", cfg.Storage.Breaker),
	)
	return &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: collector,
		Medium:  medium,
		Store:   store,
		Service: service,
	}, nil
}

// Close releases the medium
func (a *App) Close() error {
	return a.Medium.Close()
}

// OpenMedium opens the medium named by cfg.Driver, wrapped in a circuit
// breaker when cfg.Breaker is set
func OpenMedium(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Medium, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	medium, err := openDriver(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s storage", cfg.Driver)
	}
	if cfg.Breaker {
		return resilient.Wrap(medium, resilient.DefaultConfig(), logger.Named("breaker")), nil
	}
	return medium, nil
}

func openDriver(ctx context.Context, cfg config.StorageConfig) (storage.Medium, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(memory.Config{MaxRecordBytes: cfg.MaxRecordBytes}), nil

	case config.DriverBolt:
		return bolt.Open(bolt.Config{Path: cfg.Path, Bucket: cfg.Table})

	case config.DriverSQLite:
		m, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		if cfg.Table != "" {
			if err := m.WithTableName(cfg.Table).CreateTables(ctx); err != nil {
				_ = m.Close()
				return nil, err
			}
		}
		return m, nil

	case config.DriverPostgres:
		m, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.Table != "" {
			if err := m.WithTableName(cfg.Table).CreateTables(ctx); err != nil {
				_ = m.Close()
				return nil, err
			}
		}
		return m, nil

	case config.DriverRedis:
		return redis.Open(redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		})

	case config.DriverDynamoDB:
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.DynamoDB.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.DynamoDB.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "load aws config")
		}
		client := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
			if cfg.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
			}
		})
		return dynamodb.NewMedium(client, cfg.Table), nil
	}
	return nil, errors.Newf("unknown storage driver %q", cfg.Driver)
}
