package events

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
)

type collector struct {
	mu     sync.Mutex
	events []engine.Event
}

func (c *collector) subscriber() Subscriber {
	return func(e engine.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, e)
	}
}

func (c *collector) types() []engine.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.EventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func TestBusSync(t *testing.T) {
	bus := NewBus(Config{})
	all, failures := &collector{}, &collector{}
	bus.Subscribe(all.subscriber(), nil)
	bus.Subscribe(failures.subscriber(), FilterByLevel(LevelError))

	for _, typ := range []engine.EventType{engine.EventTypeRunStarted, engine.EventTypeDeclarationFailed, engine.EventTypeRunFailed} {
		if err := bus.Publish(engine.Event{Type: typ, RunID: "r1"}); err != nil {
			t.Fatal(err)
		}
	}

	if got := all.types(); len(got) != 3 || got[0] != engine.EventTypeRunStarted {
		t.Errorf("all = %v", got)
	}
	if got := failures.types(); len(got) != 2 {
		t.Errorf("failures = %v", got)
	}

	e := all.events[0]
	if e.ID == "" || e.Timestamp.IsZero() || e.Level != LevelInfo {
		t.Errorf("event not stamped: %+v", e)
	}
}

func TestBusAsyncDrainsOnShutdown(t *testing.T) {
	bus := NewBus(Config{Async: true, BufferSize: 16})
	c := &collector{}
	bus.Subscribe(c.subscriber(), FilterByType(engine.EventTypeDeclarationApplied))

	for i := 0; i < 10; i++ {
		if err := bus.Publish(engine.Event{Type: engine.EventTypeDeclarationApplied}); err != nil {
			t.Fatal(err)
		}
	}
	_ = bus.Publish(engine.Event{Type: engine.EventTypeRunCompleted})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := len(c.types()); got != 10 {
		t.Errorf("delivered %d events, want 10", got)
	}
	if err := bus.Publish(engine.Event{Type: engine.EventTypeRunStarted}); err == nil {
		t.Error("Publish() after Shutdown succeeded")
	}
}

func TestNilBus(t *testing.T) {
	var bus *Bus
	if err := bus.Publish(engine.Event{Type: engine.EventTypeRunStarted}); err != nil {
		t.Error(err)
	}
	if err := bus.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestLogSubscriber(t *testing.T) {
	var buf bytes.Buffer
	sub := LogSubscriber(zerolog.New(&buf))
	sub(engine.Event{
		Type:        engine.EventTypeDeclarationFailed,
		Level:       LevelError,
		RunID:       "r1",
		Resource:    "mysql-default",
		Declaration: "default :start mysql-default",
		Message:     "service failed to start",
	})

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %q", buf.String())
	}
	if line["level"] != "error" || line["declaration"] != "default :start mysql-default" || line["message"] != "service failed to start" {
		t.Errorf("log line = %v", line)
	}
}

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		event engine.Event
		want  string
	}{
		{engine.Event{Resource: "mysql-default", Type: engine.EventTypeRunCompleted}, "mysql-default.run_completed"},
		{engine.Event{Resource: "mysql-a.b", Type: engine.EventTypeRunFailed}, "mysql-a_b.run_failed"},
		{engine.Event{Type: engine.EventTypeDescriptorChanged}, "_.descriptor_changed"},
	}
	for _, tt := range tests {
		if got := RoutingKey(tt.event); got != tt.want {
			t.Errorf("RoutingKey() = %q, want %q", got, tt.want)
		}
	}
}

func TestMessage(t *testing.T) {
	event := engine.Event{ID: "e1", Type: engine.EventTypeRunStarted, RunID: "r1", Timestamp: time.Unix(100, 0)}
	msg, err := Message(event, true)
	if err != nil {
		t.Fatal(err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" || msg.MessageId != "e1" {
		t.Errorf("message = %+v", msg)
	}
	if !strings.Contains(string(msg.Body), `"run_id":"r1"`) {
		t.Errorf("body = %s", msg.Body)
	}
}

func TestNewAMQPPublisherRequiresURL(t *testing.T) {
	if _, err := NewAMQPPublisher(AMQPConfig{}, zerolog.Nop()); err == nil {
		t.Error("NewAMQPPublisher() without url succeeded")
	}
}
