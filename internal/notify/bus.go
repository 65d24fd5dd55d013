// Package notify fans out form response changes over Redis pub/sub, one
// channel per workflow.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"intake/api/internal/workflow"
)

const channelPrefix = "intake:workflow:"

var ErrClosed = errors.New("change stream closed")

// Channel returns the pub/sub channel for a workflow.
func Channel(workflowID string) string {
	return channelPrefix + workflowID
}

type Bus struct {
	client *redis.Client
	logger *slog.Logger
}

func NewBus(client *redis.Client, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{client: client, logger: logger}
}

// Publish sends event to subscribers of the record's workflow.
func (b *Bus) Publish(ctx context.Context, event workflow.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(event.Record.WorkflowID), payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscription returns an unopened subscription to a workflow's changes.
// handler runs on a single goroutine, in delivery order.
func (b *Bus) Subscription(workflowID string, handler func(workflow.ChangeEvent)) *Subscription {
	return &Subscription{
		bus:     b,
		channel: Channel(workflowID),
		handler: handler,
		errs:    make(chan error, 1),
	}
}

type Subscription struct {
	bus     *Bus
	channel string
	handler func(workflow.ChangeEvent)
	errs    chan error

	mu      sync.Mutex
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
	closing bool
}

// Open subscribes to the channel and starts delivering events. Opening an
// open subscription is a no-op; a subscription whose stream dropped can be
// opened again.
func (s *Subscription) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		return nil
	}

	ps := s.bus.client.Subscribe(ctx, s.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.pubsub = ps
	s.cancel = cancel
	s.closing = false
	s.done = make(chan struct{})
	go s.loop(loopCtx, ps, s.done)
	s.bus.logger.Debug("change stream opened", "channel", s.channel)
	return nil
}

func (s *Subscription) loop(ctx context.Context, ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			if s.pubsub == ps {
				s.pubsub = nil
				s.cancel()
			}
			s.mu.Unlock()
			if !closing {
				_ = ps.Close()
				s.bus.logger.Warn("change stream dropped", "channel", s.channel, "error", err)
				s.report(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			return
		}

		var event workflow.ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			s.bus.logger.Warn("discarding malformed change event", "channel", s.channel, "error", err)
			continue
		}
		s.handler(event)
	}
}

func (s *Subscription) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Err delivers an error each time the stream drops without Close.
func (s *Subscription) Err() <-chan error {
	return s.errs
}

// Close stops delivery and waits for the handler goroutine to exit. It is
// safe to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	ps, done := s.pubsub, s.done
	if ps == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.pubsub = nil
	cancel := s.cancel
	s.mu.Unlock()

	err := ps.Close()
	cancel()
	<-done
	if err != nil {
		return fmt.Errorf("close subscription %s: %w", s.channel, err)
	}
	return nil
}
