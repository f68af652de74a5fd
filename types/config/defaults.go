package config

import "time"

const (
	DefaultWorkerCount      = 1
	DefaultStorageDriver    = Memory
	DefaultBatchSize        = 100
	DefaultFlushInterval    = 20 * time.Second
	DefaultMaxRetries       = 3
	DefaultPruneMaxAge      = 7 * 24 * time.Hour
	DefaultMaxExecutionTime = 60 * time.Second
	DefaultUniqueTTL        = time.Hour
	DefaultQueue            = "default"

	DefaultWorkerSleep         = 3 * time.Second
	DefaultWorkerTimeout       = 60 * time.Second
	DefaultWorkerPruneInterval = time.Hour
)
