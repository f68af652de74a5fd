package message_broaker

import "context"

// MessageBroker carries serialized jobs between producers and the storage writer.
// Queue names double as routing keys.
type MessageBroker interface {
	Publish(ctx context.Context, queue string, message []byte) error
	Consume(ctx context.Context, queue string) (<-chan []byte, error)
	Close() error
}
