package jobmanager

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/RezaEskandarii/firequeue/app"
	"github.com/RezaEskandarii/firequeue/types/config"
)

// New initializes the whole firequeue system from cfg.
//
// The function performs the following steps:
//  1. Connects to the storage backend selected by cfg.StorageDriver (memory, Postgres or Redis).
//  2. Connects to RabbitMQ when the queue writer is enabled.
//  3. Runs schema migrations when Postgres is used (protected by a distributed lock).
//  4. Registers the queues of cfg.QueuesFile and cfg.Queues.
//
// Handlers must already be registered on registry. The returned container is ready
// to push jobs; call Run on it to start workers, the scheduler and the queue writers.
func New(ctx context.Context, cfg *config.Config, registry *config.JobHandler, opts ...app.ContainerOption) (*app.Container, error) {
	container, err := app.NewContainer(ctx, cfg, registry, opts...)
	if err != nil {
		return nil, err
	}
	container.Logger.Info("starting", slog.Int("gomaxprocs", runtime.GOMAXPROCS(0)), slog.Any("handlers", container.Registry.List()))

	if err := container.Migrate(ctx); err != nil {
		_ = container.Close()
		return nil, err
	}

	var defs []config.QueueDefinition
	if cfg.QueuesFile != "" {
		if defs, err = config.LoadQueueFile(cfg.QueuesFile); err != nil {
			_ = container.Close()
			return nil, err
		}
	}
	if err := container.RegisterQueues(defs); err != nil {
		_ = container.Close()
		return nil, err
	}
	return container, nil
}
