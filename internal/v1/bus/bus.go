// Package bus implements the Event Bus Adapter: a Redis pub/sub bridge
// that fans out Room Actor broadcasts to subscribers on other nodes
// (spec §4.5), with a circuit breaker around publish calls and
// exponential-backoff reconnection that re-subscribes every active room.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/planningpoker/core/internal/v1/logging"
	"github.com/planningpoker/core/internal/v1/metrics"
	"go.uber.org/zap"
)

const channelPrefix = "room:"

func channelFor(roomID string) string {
	return channelPrefix + roomID
}

// Message is the payload carried over the bus, wrapping the wire-encoded
// event frame with its eventId so subscribers can detect gaps.
type Message struct {
	EventID  uint64          `json:"eventId"`
	Envelope json.RawMessage `json:"envelope"`
	// Origin identifies the node that published this message (Service.id).
	// Subscribers use it to recognize their own publishes echoed back by
	// the broker and skip redelivering them, since the publishing node
	// already delivered the event to its local connections directly.
	Origin string `json:"origin,omitempty"`
}

// Handler receives messages delivered for a subscribed room, in the order
// the broker delivered them.
type Handler func(msg Message)

// Service wraps a Redis client with a circuit breaker around publish calls
// and manages the reconnect-and-resubscribe lifecycle for active
// subscriptions.
type Service struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	id      string

	mu            sync.Mutex
	subscriptions map[string]Handler // roomId -> handler
	cancelFuncs   map[string]context.CancelFunc

	closed bool
}

// NewService constructs a Service around an existing Redis client.
func NewService(client *redis.Client) *Service {
	settings := gobreaker.Settings{
		Name:        "event-bus",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn(context.Background(), "circuit breaker state change",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Service{
		client:        client,
		breaker:       gobreaker.NewCircuitBreaker(settings),
		id:            uuid.NewString(),
		subscriptions: make(map[string]Handler),
		cancelFuncs:   make(map[string]context.CancelFunc),
	}
}

// NodeID identifies this Service instance on the bus, stamped onto every
// Message this node publishes so subscribers can recognize an echo of
// their own publish and skip redelivering it.
func (s *Service) NodeID() string { return s.id }

// Ping verifies connectivity, used by the health package's readiness check.
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close tears down all subscriptions and the underlying client.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	for roomID, cancel := range s.cancelFuncs {
		cancel()
		delete(s.cancelFuncs, roomID)
	}
	s.mu.Unlock()
	return s.client.Close()
}

// Publish fans out an event to every subscriber of roomId on every node,
// wrapped in the circuit breaker so a degraded Redis fails fast instead of
// blocking the Room Actor's command loop (spec §4.5 "fire-and-forget").
func (s *Service) Publish(ctx context.Context, roomID string, msg Message) error {
	msg.Origin = s.id
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}

	start := time.Now()
	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.client.Publish(ctx, channelFor(roomID), raw).Err()
	})
	metrics.RedisOperationDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues("publish", "failure").Inc()
		metrics.CircuitBreakerFailures.WithLabelValues("event-bus").Inc()
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.RedisOperationsTotal.WithLabelValues("publish", "success").Inc()
	return nil
}

// Subscribe registers handler for roomId and starts (or reuses) the
// long-lived goroutine that delivers messages to it, reconnecting with
// exponential backoff on broker disconnect. Call Unsubscribe to detach.
func (s *Service) Subscribe(ctx context.Context, roomID string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, exists := s.subscriptions[roomID]; exists {
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	s.subscriptions[roomID] = handler
	s.cancelFuncs[roomID] = cancel

	go s.subscribeLoop(subCtx, roomID, handler)
}

// Unsubscribe detaches roomId's subscription, per Connection Registry's
// "unsubscribe on last-leave" responsibility (spec §4.5).
func (s *Service) Unsubscribe(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.cancelFuncs[roomID]; ok {
		cancel()
		delete(s.cancelFuncs, roomID)
	}
	delete(s.subscriptions, roomID)
}

// ActiveRooms returns the room ids currently subscribed, used to
// re-subscribe-all after a reconnect.
func (s *Service) ActiveRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.subscriptions))
	for roomID := range s.subscriptions {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (s *Service) subscribeLoop(ctx context.Context, roomID string, handler Handler) {
	backoff := time.Second
	const maxBackoff = 16 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pubsub := s.client.Subscribe(ctx, channelFor(roomID))
		ch := pubsub.Channel()

		metrics.BusReconnects.WithLabelValues("attempt").Inc()
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			logging.Error(ctx, "bus subscribe failed", zap.String("room_id", roomID), zap.Error(err))
			metrics.BusReconnects.WithLabelValues("failure").Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		metrics.BusReconnects.WithLabelValues("success").Inc()
		backoff = time.Second

		err := s.drain(ctx, ch, handler)
		_ = pubsub.Close()

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			logging.Error(ctx, "bus subscription lost, reconnecting",
				zap.String("room_id", roomID), zap.Error(err), zap.Duration("backoff", backoff))
			metrics.BusReconnects.WithLabelValues("failure").Inc()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// drain reads messages from ch until the channel closes (broker
// disconnect) or ctx is canceled, delivering each to handler in order.
func (s *Service) drain(ctx context.Context, ch <-chan *redis.Message, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case redisMsg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				logging.Error(ctx, "failed to decode bus message", zap.Error(err))
				continue
			}
			handler(msg)
		}
	}
}
