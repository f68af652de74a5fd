package message_broaker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQ struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string

	mu       sync.Mutex
	declared map[string]struct{}
}

// NewRabbitMQ dials the broker and declares a durable direct exchange.
// Queues are declared and bound on first use.
func NewRabbitMQ(url, exchange string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq exchange %q: %w", exchange, err)
	}

	return &RabbitMQ{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		declared: make(map[string]struct{}),
	}, nil
}

func (r *RabbitMQ) ensureQueue(queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.declared[queue]; ok {
		return nil
	}
	if _, err := r.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue %q: %w", queue, err)
	}
	if err := r.channel.QueueBind(queue, queue, r.exchange, false, nil); err != nil {
		return fmt.Errorf("rabbitmq bind %q: %w", queue, err)
	}
	r.declared[queue] = struct{}{}
	return nil
}

func (r *RabbitMQ) Publish(ctx context.Context, queue string, message []byte) error {
	if err := r.ensureQueue(queue); err != nil {
		return err
	}
	return r.channel.PublishWithContext(ctx,
		r.exchange,
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         message,
		},
	)
}

func (r *RabbitMQ) Consume(ctx context.Context, queue string) (<-chan []byte, error) {
	if err := r.ensureQueue(queue); err != nil {
		return nil, err
	}
	msgs, err := r.channel.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 1000)

	go func() {
		defer close(out)

		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Body:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		_ = r.conn.Close()
		return err
	}
	return r.conn.Close()
}
