package types

import (
	"context"
	"encoding/json"
	"time"
)

// WorkItem is the executable side of a job payload.
type WorkItem interface {
	Kind() string
	Handle(ctx context.Context) error
}

// Failer is implemented by items that want to react to terminal failure.
type Failer interface {
	Failed(ctx context.Context, err error) error
}

// TimeoutProvider lets an item cap its own execution time.
type TimeoutProvider interface {
	Timeout() time.Duration
}

// UniqueProvider marks an item as unique under the returned key.
type UniqueProvider interface {
	UniqueKey() string
}

// Resolver materializes a work item from its serialized payload.
type Resolver interface {
	Resolve(kind string, data json.RawMessage) (WorkItem, error)
}
