package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/pgk/retry"
	"github.com/RezaEskandarii/firequeue/types"
)

// ConnectionFactory opens the backend connection serving the named queue.
type ConnectionFactory func(queue string) (types.Connection, error)

// QueueConfig is the policy of one named queue.
type QueueConfig struct {
	MaxRetries       int
	RetryDelay       time.Duration
	RetryStrategy    retry.Strategy
	DefaultPriority  int
	DefaultDelay     time.Duration
	AutoPrune        bool
	PruneMaxAge      time.Duration
	MaxExecutionTime time.Duration
	PersistFailed    bool
	// BatchSize overrides the queue writer batch size; 0 keeps Config.BatchSize.
	BatchSize        int
	Unique           bool
	UniqueTTL        time.Duration

	ConnectionFactory ConnectionFactory
}

// QueueOption type for functional options pattern
type QueueOption func(*QueueConfig) error

// NewQueueConfig creates a queue policy with defaults; only the connection factory is required.
func NewQueueConfig(factory ConnectionFactory, opts ...QueueOption) (*QueueConfig, error) {
	cfg := &QueueConfig{
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        retry.DefaultBaseDelay,
		RetryStrategy:     retry.Exponential,
		AutoPrune:         true,
		PruneMaxAge:       DefaultPruneMaxAge,
		MaxExecutionTime:  DefaultMaxExecutionTime,
		PersistFailed:     true,
		UniqueTTL:         DefaultUniqueTTL,
		ConnectionFactory: factory,
	}

	validationErrs := &custom_errors.ValidationError{}
	if factory == nil {
		validationErrs.Add(&custom_errors.ConfigurationError{Field: "connection_factory", Err: errors.New("is required")})
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			validationErrs.Add(err)
		}
	}

	if validationErrs.HasError() {
		return nil, validationErrs
	}
	return cfg, nil
}

// RetryDelayFor returns the wait before the attempt after `attempts` failed ones.
func (c *QueueConfig) RetryDelayFor(attempts int) time.Duration {
	return retry.Delay(attempts, c.RetryStrategy, c.RetryDelay)
}

func WithMaxRetries(n int) QueueOption {
	return func(c *QueueConfig) error {
		if n < 0 {
			return configError("max_retries", "must not be negative")
		}
		c.MaxRetries = n
		return nil
	}
}

func WithRetryPolicy(strategy retry.Strategy, base time.Duration) QueueOption {
	return func(c *QueueConfig) error {
		if !strategy.Valid() {
			return configError("retry_strategy", fmt.Sprintf("unknown strategy %q", strategy))
		}
		if base <= 0 {
			return configError("retry_delay", "must be positive")
		}
		c.RetryStrategy = strategy
		c.RetryDelay = base
		return nil
	}
}

func WithDefaultPriority(p int) QueueOption {
	return func(c *QueueConfig) error {
		c.DefaultPriority = p
		return nil
	}
}

func WithDefaultDelay(d time.Duration) QueueOption {
	return func(c *QueueConfig) error {
		if d < 0 {
			return configError("default_delay", "must not be negative")
		}
		c.DefaultDelay = d
		return nil
	}
}

// WithAutoPrune toggles worker-driven pruning; maxAge of zero keeps the current age.
func WithAutoPrune(enabled bool, maxAge time.Duration) QueueOption {
	return func(c *QueueConfig) error {
		if maxAge < 0 {
			return configError("prune_max_age", "must not be negative")
		}
		c.AutoPrune = enabled
		if maxAge > 0 {
			c.PruneMaxAge = maxAge
		}
		return nil
	}
}

func WithMaxExecutionTime(d time.Duration) QueueOption {
	return func(c *QueueConfig) error {
		if d < 0 {
			return configError("max_execution_time", "must not be negative")
		}
		c.MaxExecutionTime = d
		return nil
	}
}

func WithPersistFailed(persist bool) QueueOption {
	return func(c *QueueConfig) error {
		c.PersistFailed = persist
		return nil
	}
}

func WithQueueBatchSize(batchSize int) QueueOption {
	return func(c *QueueConfig) error {
		if batchSize < 1 {
			return configError("batch_size", "must be positive")
		}
		c.BatchSize = batchSize
		return nil
	}
}

func WithUnique(enabled bool, ttl time.Duration) QueueOption {
	return func(c *QueueConfig) error {
		if enabled && ttl <= 0 {
			return configError("unique_ttl", "must be positive when unique jobs are enabled")
		}
		c.Unique = enabled
		if ttl > 0 {
			c.UniqueTTL = ttl
		}
		return nil
	}
}

func configError(field, msg string) error {
	return &custom_errors.ConfigurationError{Field: field, Err: errors.New(msg)}
}
