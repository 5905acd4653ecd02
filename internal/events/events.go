// Package events publishes registry state changes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TypeIdentityBound      = "identity.bound"
	TypeIdentitySuperseded = "identity.superseded"
	TypeForumPostCreated   = "forum.post_created"
	TypeForumVoteCast      = "forum.vote_cast"
)

type Event struct {
	Type          string    `json:"type"`
	IdentityID    string    `json:"identity_id,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	PublicKey     string    `json:"public_key,omitempty"`
	NullifierHash string    `json:"nullifier_hash,omitempty"`
	PostID        string    `json:"post_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards events. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher returns nil when brokers or topic are empty; a nil
// *KafkaPublisher is safe to use and publishes nothing.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}}
}

// Publish keys messages by nullifier so one human's events stay ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(event.NullifierHash),
		Value: payload,
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Async publishes without blocking the caller. Failures are logged only.
type Async struct {
	next   Publisher
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAsync(next Publisher, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{next: next, logger: logger}
}

func (a *Async) Publish(ctx context.Context, event Event) error {
	if a == nil || a.next == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.next.Publish(context.WithoutCancel(ctx), event); err != nil {
			a.logger.Warn("event publish failed", "type", event.Type, "err", err)
		}
	}()
	return nil
}

// Wait blocks until in-flight publishes finish.
func (a *Async) Wait() {
	if a != nil {
		a.wg.Wait()
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
