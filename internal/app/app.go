// Package app builds the store, image staging, queue and HTTP collaborators
// from configuration and runs the web tier or the worker.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/snapcheck/internal/analysis"
	"github.com/dharsanguruparan/snapcheck/internal/api"
	"github.com/dharsanguruparan/snapcheck/internal/config"
	"github.com/dharsanguruparan/snapcheck/internal/database"
	"github.com/dharsanguruparan/snapcheck/internal/imagestore"
	"github.com/dharsanguruparan/snapcheck/internal/queue"
	"github.com/dharsanguruparan/snapcheck/internal/render"
	"github.com/dharsanguruparan/snapcheck/internal/repository"
	"github.com/dharsanguruparan/snapcheck/internal/signing"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
	"github.com/dharsanguruparan/snapcheck/internal/submission"
	"github.com/dharsanguruparan/snapcheck/internal/worker"
)

// OpenStore connects the configured work item store and makes sure its
// schema exists.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := database.Connect(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repository.NewPostgresStore(pool), nil
	case "sqlite":
		db, err := database.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return repository.NewSQLiteStore(db), nil
	case "memory":
		log.Warn().Msg("using the in-memory store; items are lost on restart and invisible to other processes")
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// OpenImages builds the image stager. Writes go to the configured backend;
// file:// references stay readable whichever backend is primary.
func OpenImages(ctx context.Context, cfg *config.Config) (*imagestore.Resolver, error) {
	fs, err := imagestore.NewFilesystem(cfg.Images.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.Images.Driver != "s3" {
		return imagestore.NewResolver(fs, "file"), nil
	}
	s3cfg := cfg.Images.S3
	s3, err := imagestore.NewS3(imagestore.S3Options{
		Endpoint:  s3cfg.Endpoint,
		AccessKey: s3cfg.AccessKey,
		SecretKey: s3cfg.SecretKey,
		UseSSL:    s3cfg.UseSSL,
		Region:    s3cfg.Region,
		Bucket:    s3cfg.Bucket,
		Prefix:    s3cfg.Prefix,
	})
	if err != nil {
		return nil, err
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	resolver := imagestore.NewResolver(s3, "s3")
	resolver.Register("file", fs)
	return resolver, nil
}

// Signer returns the descriptor signer; an empty secret disables signing.
func Signer(cfg *config.Config) *signing.Signer {
	if cfg.Queue.SigningSecret == "" {
		log.Warn().Msg("queue.signing_secret is empty; descriptors are not signed")
	}
	return signing.NewSigner([]byte(cfg.Queue.SigningSecret))
}

func redisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.Redis.Addr,
		Password: cfg.Queue.Redis.Password,
		DB:       cfg.Queue.Redis.DB,
	})
}

func asynqOptions(cfg *config.Config) queue.AsynqOptions {
	return queue.AsynqOptions{
		Redis: asynq.RedisClientOpt{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		},
		Queue:       cfg.Queue.Name,
		MaxRetry:    cfg.Queue.MaxRetry,
		Concurrency: cfg.Worker.Concurrency,
	}
}

func kafkaOptions(cfg *config.Config) queue.KafkaOptions {
	return queue.KafkaOptions{
		Brokers:     cfg.Queue.Kafka.Brokers,
		Topic:       cfg.Queue.Kafka.Topic,
		GroupID:     cfg.Queue.Kafka.GroupID,
		Concurrency: cfg.Worker.Concurrency,
		MaxRetry:    cfg.Queue.MaxRetry,
	}
}

// NewTransport opens the producer side of the configured queue.
func NewTransport(cfg *config.Config) (queue.Transport, error) {
	switch cfg.Queue.Driver {
	case "asynq":
		return queue.NewAsynqTransport(asynqOptions(cfg)), nil
	case "redis":
		return queue.NewRedisTransport(redisClient(cfg), cfg.Queue.Name), nil
	case "amqp":
		return queue.NewAMQPTransport(cfg.Queue.AMQP.URL, cfg.Queue.Name)
	case "kafka":
		return queue.NewKafkaTransport(kafkaOptions(cfg)), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// NewConsumer opens the worker side of the configured queue.
func NewConsumer(cfg *config.Config) (queue.Consumer, error) {
	switch cfg.Queue.Driver {
	case "asynq":
		return queue.NewAsynqConsumer(asynqOptions(cfg)), nil
	case "redis":
		return queue.NewRedisConsumer(redisClient(cfg), cfg.Queue.Name, cfg.Queue.MaxRetry, cfg.Worker.Concurrency), nil
	case "amqp":
		return queue.NewAMQPConsumer(cfg.Queue.AMQP.URL, cfg.Queue.Name, cfg.Worker.Concurrency)
	case "kafka":
		return queue.NewKafkaConsumer(kafkaOptions(cfg)), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// Limits converts the image settings into upload limits.
func Limits(cfg *config.Config) submission.Limits {
	return submission.Limits{MaxImageBytes: cfg.Images.MaxBytes, AllowedTypes: cfg.Images.AllowedTypes}
}

// Serve runs the web tier until ctx is cancelled.
func Serve(ctx context.Context, cfg *config.Config) error {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	images, err := OpenImages(ctx, cfg)
	if err != nil {
		return err
	}
	transport, err := NewTransport(cfg)
	if err != nil {
		return fmt.Errorf("open %s queue: %w", cfg.Queue.Driver, err)
	}
	client := queue.NewClient(transport, Signer(cfg))
	defer client.Close()

	renderer, err := render.New(cfg.HTTP.PollInterval)
	if err != nil {
		return err
	}
	svc := submission.NewService(store, images, client, submission.EnqueueFailurePolicy(cfg.Submission.OnEnqueueFailure))
	srv := api.New(store, svc, renderer, api.Options{
		Address:         cfg.HTTP.Address,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Limits:          Limits(cfg),
	})
	log.Info().Str("store", cfg.Store.Driver).Str("queue", cfg.Queue.Driver).Str("images", cfg.Images.Driver).Msg("snapcheck web tier starting")
	return srv.Run(ctx)
}

// Work runs the reference worker until ctx is cancelled.
func Work(ctx context.Context, cfg *config.Config) error {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	images, err := OpenImages(ctx, cfg)
	if err != nil {
		return err
	}
	consumer, err := NewConsumer(cfg)
	if err != nil {
		return fmt.Errorf("open %s queue: %w", cfg.Queue.Driver, err)
	}
	defer consumer.Close()

	a := cfg.Worker.Analyzer
	analyzer := analysis.NewHTTPAnalyzer(analysis.Options{
		BaseURL:   a.URL,
		Model:     a.Model,
		APIKey:    a.APIKey,
		Timeout:   a.Timeout,
		ShortSide: a.ShortSide,
		MaxTokens: a.MaxTokens,
	})
	processor := worker.NewProcessor(store, images, analyzer, Signer(cfg), worker.ReadFailurePolicy(cfg.Worker.ReadFailurePolicy))
	log.Info().Str("queue", cfg.Queue.Driver).Int("concurrency", cfg.Worker.Concurrency).Msg("snapcheck worker starting")
	if err := processor.Run(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Migrate creates or upgrades the store schema and exits.
func Migrate(ctx context.Context, cfg *config.Config) error {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info().Str("store", cfg.Store.Driver).Msg("schema is up to date")
	return store.Close()
}
