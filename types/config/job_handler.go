package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/types"
)

// Factory builds a work item from its serialized data.
type Factory func(data json.RawMessage) (types.WorkItem, error)

// HandlerFunc is a plain function handler receiving the raw payload data.
type HandlerFunc func(ctx context.Context, data json.RawMessage) error

// JobHandler maps kind discriminators to work item factories.
type JobHandler struct {
	factories map[string]Factory
	mutex     sync.RWMutex
}

func NewJobHandler() *JobHandler {
	return &JobHandler{
		factories: make(map[string]Factory),
	}
}

// Register adds a new factory by kind.
func (jh *JobHandler) Register(kind string, factory Factory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("handler must have a kind and a factory")
	}

	jh.mutex.Lock()
	defer jh.mutex.Unlock()

	if _, exists := jh.factories[kind]; exists {
		return fmt.Errorf("handler '%s' already registered", kind)
	}
	jh.factories[kind] = factory
	return nil
}

// RegisterFunc registers fn as the handler of kind.
func (jh *JobHandler) RegisterFunc(kind string, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("handler '%s' has no function", kind)
	}
	return jh.Register(kind, func(data json.RawMessage) (types.WorkItem, error) {
		return &funcItem{kind: kind, data: data, fn: fn}, nil
	})
}

// RegisterType registers a struct work item; its data is decoded into a fresh value per job.
func RegisterType[T any, P interface {
	*T
	types.WorkItem
}](jh *JobHandler) error {
	kind := P(new(T)).Kind()
	return jh.Register(kind, func(data json.RawMessage) (types.WorkItem, error) {
		item := P(new(T))
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, item); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", kind, err)
			}
		}
		return item, nil
	})
}

func (jh *JobHandler) Exists(kind string) bool {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	_, exists := jh.factories[kind]
	return exists
}

// Resolve materializes a work item. Unknown kinds and factory failures are JobErrors.
func (jh *JobHandler) Resolve(kind string, data json.RawMessage) (types.WorkItem, error) {
	jh.mutex.RLock()
	factory, exists := jh.factories[kind]
	jh.mutex.RUnlock()

	if !exists {
		return nil, &custom_errors.JobError{Kind: kind, Err: custom_errors.ErrHandlerNotFound}
	}
	item, err := factory(data)
	if err != nil {
		return nil, &custom_errors.JobError{Kind: kind, Err: err}
	}
	return item, nil
}

func (jh *JobHandler) List() []string {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	kinds := make([]string, 0, len(jh.factories))
	for kind := range jh.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

type funcItem struct {
	kind string
	data json.RawMessage
	fn   HandlerFunc
}

func (f *funcItem) Kind() string { return f.kind }

func (f *funcItem) Handle(ctx context.Context) error {
	return f.fn(ctx, f.data)
}

func (f *funcItem) MarshalJSON() ([]byte, error) {
	if len(f.data) == 0 {
		return []byte("null"), nil
	}
	return f.data, nil
}
