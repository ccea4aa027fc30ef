// Package events fans run and declaration events out to subscribers: the
// structured log and, when configured, a RabbitMQ exchange.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
)

// Event levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Subscriber handles one event. Subscribers are called sequentially in
// publish order.
type Subscriber func(event engine.Event)

// Filter determines if an event should be delivered.
type Filter func(event engine.Event) bool

// Config configures a Bus.
type Config struct {
	// Async queues events and delivers them from a background goroutine.
	Async bool `yaml:"async"`

	// BufferSize bounds the queue in async mode.
	BufferSize int `yaml:"buffer_size"`
}

// Bus delivers events to its subscribers.
type Bus struct {
	config      Config
	buffer      chan engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	stop        chan struct{}
	stopOnce    sync.Once
}

type subscriberEntry struct {
	subscriber Subscriber
	filter     Filter
}

// NewBus creates a bus. In async mode a delivery goroutine runs until
// Shutdown.
func NewBus(cfg Config) *Bus {
	b := &Bus{config: cfg, stop: make(chan struct{})}
	if cfg.Async {
		size := cfg.BufferSize
		if size <= 0 {
			size = 256
		}
		b.buffer = make(chan engine.Event, size)
		b.wg.Add(1)
		go b.process()
	}
	return b
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (b *Bus) Subscribe(subscriber Subscriber, filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// Publish stamps the event with an ID, timestamp and level when unset and
// delivers it. A nil Bus discards events.
func (b *Bus) Publish(event engine.Event) error {
	if b == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	if !b.config.Async {
		b.deliver(event)
		return nil
	}

	select {
	case <-b.stop:
		return fmt.Errorf("event bus stopped")
	default:
	}
	select {
	case b.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, %s event dropped", event.Type)
	}
}

func (b *Bus) process() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.stop:
			// Drain what was queued before shutdown
			for {
				select {
				case event := <-b.buffer:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event engine.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, entry := range b.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered.
func (b *Bus) Shutdown(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.stopOnce.Do(func() { close(b.stop) })

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown: %w", ctx.Err())
	}
}

// FilterByLevel only allows events of minLevel or higher.
func FilterByLevel(minLevel string) Filter {
	levels := map[string]int{
		LevelInfo:    0,
		LevelWarning: 1,
		LevelError:   2,
	}
	floor := levels[minLevel]
	return func(event engine.Event) bool {
		return levels[event.Level] >= floor
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...engine.EventType) Filter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event engine.Event) bool {
		return set[event.Type]
	}
}
