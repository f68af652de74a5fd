package config

import (
	"fmt"
	"os"
	"time"

	"github.com/RezaEskandarii/firequeue/pgk/retry"
	"gopkg.in/yaml.v3"
)

// QueueDefinition is one entry of a queues file:
//
//	queues:
//	  - name: emails
//	    max_retries: 5
//	    retry_strategy: linear
//	    retry_delay: 30s
//	    unique: true
//	    unique_ttl: 10m
type QueueDefinition struct {
	Name             string         `yaml:"name"`
	MaxRetries       *int           `yaml:"max_retries"`
	RetryStrategy    retry.Strategy `yaml:"retry_strategy"`
	RetryDelay       time.Duration  `yaml:"retry_delay"`
	DefaultPriority  int            `yaml:"default_priority"`
	DefaultDelay     time.Duration  `yaml:"default_delay"`
	AutoPrune        *bool          `yaml:"auto_prune"`
	PruneMaxAge      time.Duration  `yaml:"prune_max_age"`
	MaxExecutionTime time.Duration  `yaml:"max_execution_time"`
	PersistFailed    *bool          `yaml:"persist_failed"`
	BatchSize        int            `yaml:"batch_size"`
	Unique           bool           `yaml:"unique"`
	UniqueTTL        time.Duration  `yaml:"unique_ttl"`
}

type queueFile struct {
	Queues []QueueDefinition `yaml:"queues"`
}

// Options translates the definition into queue options; unset fields keep their defaults.
func (d QueueDefinition) Options() []QueueOption {
	var opts []QueueOption
	if d.MaxRetries != nil {
		opts = append(opts, WithMaxRetries(*d.MaxRetries))
	}
	if d.RetryStrategy != "" || d.RetryDelay != 0 {
		strategy := d.RetryStrategy
		if strategy == "" {
			strategy = retry.Exponential
		}
		delay := d.RetryDelay
		if delay == 0 {
			delay = retry.DefaultBaseDelay
		}
		opts = append(opts, WithRetryPolicy(strategy, delay))
	}
	if d.DefaultPriority != 0 {
		opts = append(opts, WithDefaultPriority(d.DefaultPriority))
	}
	if d.DefaultDelay != 0 {
		opts = append(opts, WithDefaultDelay(d.DefaultDelay))
	}
	if d.AutoPrune != nil || d.PruneMaxAge != 0 {
		enabled := true
		if d.AutoPrune != nil {
			enabled = *d.AutoPrune
		}
		opts = append(opts, WithAutoPrune(enabled, d.PruneMaxAge))
	}
	if d.MaxExecutionTime != 0 {
		opts = append(opts, WithMaxExecutionTime(d.MaxExecutionTime))
	}
	if d.PersistFailed != nil {
		opts = append(opts, WithPersistFailed(*d.PersistFailed))
	}
	if d.BatchSize != 0 {
		opts = append(opts, WithQueueBatchSize(d.BatchSize))
	}
	if d.Unique {
		ttl := d.UniqueTTL
		if ttl == 0 {
			ttl = DefaultUniqueTTL
		}
		opts = append(opts, WithUnique(true, ttl))
	}
	return opts
}

// ParseQueueDefinitions decodes a queues file; names must be present and distinct.
func ParseQueueDefinitions(data []byte) ([]QueueDefinition, error) {
	var file queueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, configError("queues_file", err.Error())
	}

	seen := make(map[string]struct{}, len(file.Queues))
	for i, def := range file.Queues {
		if def.Name == "" {
			return nil, configError("queues_file", fmt.Sprintf("queue #%d has no name", i+1))
		}
		if _, dup := seen[def.Name]; dup {
			return nil, configError("queues_file", fmt.Sprintf("queue %q defined twice", def.Name))
		}
		seen[def.Name] = struct{}{}
	}
	return file.Queues, nil
}

func LoadQueueFile(path string) ([]QueueDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queues file: %w", err)
	}
	return ParseQueueDefinitions(data)
}
