package mq

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend delivers messages to in-process subscribers. Messages
// published while nobody is subscribed to a channel are buffered until the
// first subscriber arrives. A failed handler sees the message again.
type MemoryBackend struct {
	mu     sync.Mutex
	queues map[string]chan Message
	closed bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{queues: make(map[string]chan Message)}
}

const (
	memoryQueueSize  = 1024
	memoryRetryDelay = 50 * time.Millisecond
)

func (m *MemoryBackend) queue(channel string) (chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("mq backend closed")
	}
	q, ok := m.queues[channel]
	if !ok {
		q = make(chan Message, memoryQueueSize)
		m.queues[channel] = q
	}
	return q, nil
}

func (m *MemoryBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	q, err := m.queue(channel)
	if err != nil {
		return "", err
	}
	msg := Message{ID: uuid.NewString(), Data: append([]byte(nil), data...), Attributes: maps.Clone(attrs)}
	select {
	case q <- msg:
		return msg.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *MemoryBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	q, err := m.queue(channel)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q:
			err := handler(ctx, msg)
			if err == nil || errors.Is(err, ErrDrop) {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(memoryRetryDelay):
			}
			select {
			case q <- msg:
			default:
			}
		}
	}
}

// Pending returns how many messages wait on channel.
func (m *MemoryBackend) Pending(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[channel])
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
