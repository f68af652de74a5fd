package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RezaEskandarii/firequeue/client"
	"github.com/RezaEskandarii/firequeue/internal/constants"
	"github.com/RezaEskandarii/firequeue/internal/db"
	"github.com/RezaEskandarii/firequeue/internal/lock"
	"github.com/RezaEskandarii/firequeue/internal/logger"
	"github.com/RezaEskandarii/firequeue/internal/message_broaker"
	"github.com/RezaEskandarii/firequeue/internal/store/brokered"
	"github.com/RezaEskandarii/firequeue/internal/store/memory"
	"github.com/RezaEskandarii/firequeue/internal/store/postgres"
	redisstore "github.com/RezaEskandarii/firequeue/internal/store/redis"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/RezaEskandarii/firequeue/types/config"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// lockTTL bounds how long a Redis lock survives a crashed holder.
const lockTTL = 5 * time.Minute

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Storage connections (created once, shared by every queue)
	DB    *sql.DB
	Redis redis.UniversalClient

	// Infrastructure
	LockManager   lock.DistributedLockManager
	MessageBroker message_broaker.MessageBroker

	Registry  *config.JobHandler
	Queue     *client.Queue
	Scheduler *client.Scheduler

	ownsDB, ownsRedis, ownsBroker bool

	mu      sync.Mutex
	memory  map[string]*memory.MemoryJobStore
	writers map[string]*brokered.BrokeredJobStore
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle.
// Pass optional WithDB, WithRedis, WithBroker to inject connections for testing.
func NewContainer(ctx context.Context, cfg *config.Config, registry *config.JobHandler, opts ...ContainerOption) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if registry == nil {
		registry = config.NewJobHandler()
	}

	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	log := opt.logger
	if log == nil {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		log = logger.New(logger.WithLevel(level), logger.WithFormat(logger.Format(cfg.LogFormat)))
	}
	log = log.With(slog.String("instance", cfg.Instance))

	c := &Container{
		Config:   cfg,
		Logger:   log,
		Registry: registry,
		memory:   make(map[string]*memory.MemoryJobStore),
		writers:  make(map[string]*brokered.BrokeredJobStore),
	}

	if err := c.initStorageConnections(ctx, opt); err != nil {
		c.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	c.LockManager = c.createDistributedLockManager()

	if cfg.UseQueueWriter {
		c.MessageBroker = opt.broker
		if c.MessageBroker == nil {
			mBroker, err := message_broaker.NewRabbitMQ(cfg.RabbitMQConfig.URL, cfg.RabbitMQConfig.Exchange)
			if err != nil {
				c.Close()
				return nil, fmt.Errorf("init rabbitmq: %w", err)
			}
			c.MessageBroker = mBroker
			c.ownsBroker = true
		}
	}

	c.Queue = client.NewQueue(registry, client.WithLogger(log))

	schedulerOpts := []client.SchedulerOption{client.WithSchedulerLogger(log)}
	if c.LockManager != nil {
		schedulerOpts = append(schedulerOpts, client.WithSchedulerLock(c.LockManager))
	}
	c.Scheduler = client.NewScheduler(c.Queue, schedulerOpts...)

	return c, nil
}

// initStorageConnections creates database connections based on config.
func (c *Container) initStorageConnections(ctx context.Context, opt *containerConfig) error {
	switch c.Config.StorageDriver {
	case config.Memory:
		return nil
	case config.Postgres:
		if opt.db != nil {
			c.DB = opt.db
			return nil
		}
		sqlDB, err := db.Open(ctx, c.Config.PostgresConfig)
		if err != nil {
			return err
		}
		c.DB, c.ownsDB = sqlDB, true
		return nil
	case config.Redis:
		if opt.redis != nil {
			c.Redis = opt.redis
			return nil
		}
		rdb, err := connectRedis(ctx, c.Config.RedisConfig, c.Logger)
		if err != nil {
			return err
		}
		c.Redis, c.ownsRedis = rdb, true
		return nil
	default:
		return fmt.Errorf("unsupported storage driver: %v", c.Config.StorageDriver)
	}
}

func (c *Container) createDistributedLockManager() lock.DistributedLockManager {
	switch c.Config.StorageDriver {
	case config.Postgres:
		return lock.NewPostgresDistributedLockManager(c.DB)
	case config.Redis:
		return lock.NewRedisDistributedLockManager(c.Redis, constants.KeyPrefix, lockTTL)
	default:
		return nil
	}
}

func connectRedis(ctx context.Context, rc config.RedisConfig, log *slog.Logger) (redis.UniversalClient, error) {
	var opts *redis.Options
	if rc.URL != "" {
		parsed, err := redis.ParseURL(rc.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: rc.Address, Password: rc.Password, DB: rc.DB}
	}
	if rc.ConnectTimeout > 0 {
		opts.DialTimeout = rc.ConnectTimeout
	}
	rdb := redis.NewClient(opts)

	attempts := max(rc.RetryAttempts, 1)
	var err error
	for i := 1; i <= attempts; i++ {
		pingCtx, cancel := ctx, context.CancelFunc(func() {})
		if rc.ConnectTimeout > 0 {
			pingCtx, cancel = context.WithTimeout(ctx, rc.ConnectTimeout)
		}
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return rdb, nil
		}

		log.Warn("redis not reachable", slog.Int("attempt", i), slog.Int("of", attempts), logger.Error(err))
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(rc.RetryInterval):
		}
	}
	_ = rdb.Close()
	return nil, fmt.Errorf("connect redis after %d attempts: %w", attempts, err)
}

// Migrate applies the Postgres schema. Other drivers need no setup.
func (c *Container) Migrate(ctx context.Context) error {
	if c.Config.StorageDriver != config.Postgres {
		return nil
	}
	return db.Init(ctx, c.DB, c.LockManager, c.Logger)
}

// ConnectionFactory opens per-queue connections on the configured driver, wrapped
// by the queue writer when it is enabled.
func (c *Container) ConnectionFactory() config.ConnectionFactory {
	return c.connectionFactory(c.Config.BatchSize)
}

func (c *Container) connectionFactory(batchSize int) config.ConnectionFactory {
	return func(queue string) (types.Connection, error) {
		var inner types.Connection
		switch c.Config.StorageDriver {
		case config.Memory:
			inner = c.memoryStore(queue)
		case config.Postgres:
			inner = postgres.NewPostgresJobStore(c.DB, queue)
		case config.Redis:
			inner = redisstore.NewRedisJobStore(c.Redis, queue)
		default:
			return nil, fmt.Errorf("unsupported storage driver: %v", c.Config.StorageDriver)
		}

		if c.MessageBroker == nil {
			return inner, nil
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if w, ok := c.writers[queue]; ok {
			return w, nil
		}
		w := brokered.NewBrokeredJobStore(inner, c.MessageBroker, queue,
			brokered.WithBatchSize(batchSize),
			brokered.WithFlushInterval(c.Config.FlushInterval),
			brokered.WithLogger(c.Logger),
		)
		c.writers[queue] = w
		return w, nil
	}
}

// memoryStore keeps one store per queue so jobs survive Queue.CloseAll.
func (c *Container) memoryStore(queue string) *memory.MemoryJobStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.memory[queue]; ok {
		return s
	}
	s := memory.NewMemoryJobStore(queue)
	c.memory[queue] = s
	return s
}

// RegisterQueue registers name on the driver with the given policy.
func (c *Container) RegisterQueue(name string, opts ...config.QueueOption) error {
	cfg, err := config.NewQueueConfig(c.ConnectionFactory(), opts...)
	if err != nil {
		return err
	}
	if cfg.BatchSize > 0 {
		cfg.ConnectionFactory = c.connectionFactory(cfg.BatchSize)
	}
	return c.Queue.RegisterQueue(name, cfg)
}

// RegisterQueues registers every configured queue: defs first, then any name in
// Config.Queues not covered by a definition, with default policy.
func (c *Container) RegisterQueues(defs []config.QueueDefinition) error {
	for _, def := range defs {
		if err := c.RegisterQueue(def.Name, def.Options()...); err != nil {
			return fmt.Errorf("queue %s: %w", def.Name, err)
		}
	}
	for _, name := range c.Config.Queues {
		if c.Queue.HasQueue(name) {
			continue
		}
		if err := c.RegisterQueue(name); err != nil {
			return fmt.Errorf("queue %s: %w", name, err)
		}
	}
	return nil
}

// NewWorker builds a worker over queues, or over Config.Queues when none are given.
func (c *Container) NewWorker(queues ...string) (*client.Worker, error) {
	if len(queues) == 0 {
		queues = c.Config.Queues
	}
	opts := []client.WorkerOption{client.WithWorkerLogger(c.Logger)}
	if c.LockManager != nil {
		opts = append(opts, client.WithWorkerLock(c.LockManager))
	}
	return client.NewWorker(c.Queue, queues, c.Config.Worker, opts...)
}

// Run starts the scheduler, Config.WorkerCount workers and the queue writers, and
// blocks until ctx is cancelled or one of them fails.
func (c *Container) Run(ctx context.Context) error {
	workers := make([]*client.Worker, 0, c.Config.WorkerCount)
	for i := 0; i < c.Config.WorkerCount; i++ {
		w, err := c.NewWorker()
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}

	// open every connection up front so the writers exist before the workers poll
	for _, name := range c.Queue.Queues() {
		if _, err := c.Queue.Connection(name); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Scheduler.Start(gctx) })

	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}

	c.mu.Lock()
	for _, w := range c.writers {
		g.Go(func() error { return w.Sync(gctx) })
	}
	c.mu.Unlock()

	c.Logger.Info("firequeue running",
		slog.String("driver", c.Config.StorageDriver.String()),
		slog.Int("workers", len(workers)),
		slog.Bool("queue_writer", c.MessageBroker != nil))
	return g.Wait()
}

// Close releases every connection the container opened itself.
func (c *Container) Close() error {
	var errs []error
	if c.Queue != nil {
		errs = append(errs, c.Queue.CloseAll())
	}
	if c.ownsBroker && c.MessageBroker != nil {
		errs = append(errs, c.MessageBroker.Close())
	}
	if c.ownsRedis && c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.ownsDB && c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
