// Package ratelimit implements the connection- and message-level rate
// limits enforced on the WebSocket gateway, backed by Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/planningpoker/core/internal/v1/config"
	"github.com/planningpoker/core/internal/v1/logging"
	"github.com/planningpoker/core/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the three rate limit buckets the gateway enforces:
// per-IP connection attempts during handshake, per-connection message
// throughput, and per-participant chat throughput.
type RateLimiter struct {
	wsConnect   *limiter.Limiter
	wsMessage   *limiter.Limiter
	wsChat      *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds a RateLimiter from the configured rate strings.
// When redisClient is nil the limiter falls back to an in-process memory
// store, which only enforces limits within a single node.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	connectRate, err := limiter.NewRateFromFormatted("20-M")
	if err != nil {
		return nil, fmt.Errorf("invalid connect rate: %w", err)
	}

	messageRate, err := limiter.NewRateFromFormatted(cfg.MessageRateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid message rate: %w", err)
	}

	chatRate, err := limiter.NewRateFromFormatted(cfg.ChatRateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid chat rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis disabled)")
	}

	return &RateLimiter{
		wsConnect:   limiter.New(store, connectRate),
		wsMessage:   limiter.New(store, messageRate),
		wsChat:      limiter.New(store, chatRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// CheckConnect enforces the per-IP connection attempt limit during the
// WebSocket handshake, before a participant identity exists.
func (rl *RateLimiter) CheckConnect(ctx context.Context, ip string) bool {
	lctx, err := rl.wsConnect.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (connect)", zap.Error(err))
		return true // fail open
	}

	metrics.RateLimitRequests.WithLabelValues("ws_connect").Inc()
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_connect", "ip").Inc()
		return false
	}
	return true
}

// CheckMessage enforces the 100 messages/minute per-connection limit
// (spec §5, "Per-connection message rate").
func (rl *RateLimiter) CheckMessage(ctx context.Context, connectionID string) bool {
	lctx, err := rl.wsMessage.Get(ctx, connectionID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (message)", zap.Error(err))
		return true
	}

	metrics.RateLimitRequests.WithLabelValues("ws_message").Inc()
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_message", "connection").Inc()
		return false
	}
	return true
}

// CheckChat enforces the 10 chat messages/30s per-participant limit
// (spec §5, "Per-participant chat rate").
func (rl *RateLimiter) CheckChat(ctx context.Context, participantID string) bool {
	lctx, err := rl.wsChat.Get(ctx, participantID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (chat)", zap.Error(err))
		return true
	}

	metrics.RateLimitRequests.WithLabelValues("ws_chat").Inc()
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_chat", "participant").Inc()
		return false
	}
	return true
}
