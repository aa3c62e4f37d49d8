// Package gateway implements the Transport Gateway (spec §4.2): accepts
// WebSocket upgrades at /ws/room/{roomId}, validates the bearer token and
// the caller's permission to join, then hands off to a new Connection
// Session. The gateway itself never sends room.state — it only completes
// the upgrade.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/planningpoker/core/internal/v1/authz"
	"github.com/planningpoker/core/internal/v1/clock"
	"github.com/planningpoker/core/internal/v1/domain"
	"github.com/planningpoker/core/internal/v1/logging"
	"github.com/planningpoker/core/internal/v1/ratelimit"
	"github.com/planningpoker/core/internal/v1/registry"
	"github.com/planningpoker/core/internal/v1/roomactor"
	"github.com/planningpoker/core/internal/v1/session"
	"github.com/planningpoker/core/internal/v1/store"
	"go.uber.org/zap"
)

// Config bundles a Gateway's construction-time dependencies.
type Config struct {
	Validator        authz.TokenValidator
	Store            store.Store
	Manager          *roomactor.Manager
	Registry         *registry.Registry
	RateLimit        *ratelimit.RateLimiter
	Clock            clock.Clock
	AllowedOrigins   []string
	JoinDeadline     time.Duration
	HeartbeatTimeout time.Duration
	RoomCapacity     int
	FreeTierCapacity int
}

// Gateway upgrades inbound HTTP requests to WebSocket connections and
// hands each one off to a new session.Session.
type Gateway struct {
	validator        authz.TokenValidator
	store            store.Store
	manager          *roomactor.Manager
	registry         *registry.Registry
	rateLimit        *ratelimit.RateLimiter
	clk              clock.Clock
	upgrader         websocket.Upgrader
	timers           session.Timers
	roomCapacity     int
	freeTierCapacity int
}

// New builds a Gateway.
func New(cfg Config) *Gateway {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	return &Gateway{
		validator: cfg.Validator,
		store:     cfg.Store,
		manager:   cfg.Manager,
		registry:  cfg.Registry,
		rateLimit: cfg.RateLimit,
		clk:       cfg.Clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return allowed[origin]
			},
		},
		timers: session.Timers{
			JoinDeadline:     cfg.JoinDeadline,
			HeartbeatTimeout: cfg.HeartbeatTimeout,
		},
		roomCapacity:     cfg.RoomCapacity,
		freeTierCapacity: cfg.FreeTierCapacity,
	}
}

// ServeWs implements the Gin handler for GET /ws/room/:roomId, following
// spec §4.2's ordered, fatal-on-failure validation steps.
func (g *Gateway) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	// Step 1: parse roomId.
	roomIDRaw := c.Param("roomId")
	if !validRoomID(roomIDRaw) {
		c.Status(http.StatusNotFound)
		return
	}
	roomID := domain.RoomIDType(roomIDRaw)

	if !g.rateLimit.CheckConnect(ctx, c.ClientIP()) {
		c.Status(http.StatusTooManyRequests)
		return
	}

	// Step 2: validate token signature and expiry. Refusing the upgrade
	// outright (rather than upgrading then closing with 4000) is the
	// consistent choice spec §4.2 step 2 asks for.
	token := c.Query("token")
	principal, err := g.validator.ValidateToken(ctx, token)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade rejected: invalid token", zap.Error(err))
		c.Status(http.StatusUnauthorized)
		return
	}

	// Step 3: resolve room existence and not-deleted.
	room, err := g.store.LoadRoom(ctx, roomID)
	if err == store.ErrNotFound {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		logging.Error(ctx, "failed to load room for websocket upgrade", zap.Error(err), zap.String("room_id", roomIDRaw))
		c.Status(http.StatusInternalServerError)
		return
	}
	if room.Deleted() {
		c.Status(http.StatusNotFound)
		return
	}

	// Step 4: resolve principal's permission to join given privacyMode.
	if !authz.CanJoin(principal, room) {
		c.Status(http.StatusForbidden)
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	actor, err := g.manager.GetOrLoad(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "failed to load room actor", zap.Error(err), zap.String("room_id", roomIDRaw))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	capacity := authz.CapacityFor(principal, g.freeTierCapacity, g.roomCapacity)

	// Step 5: hand off to a new Connection Session bound to (roomId, principal).
	sess := session.New(session.Config{
		Conn:      newWSConn(conn),
		RoomID:    roomID,
		Principal: principal,
		Actor:     actor,
		Registry:  g.registry,
		Clock:     g.clk,
		Timers:    g.timers,
		RateLimit: g.rateLimit,
		Capacity:  capacity,
	})
	// The session's lifetime must outlive gin's per-request context (which
	// is canceled the instant this handler returns); process-wide shutdown
	// is instead driven by Manager.ShutdownAll broadcasting server_closing.
	sess.Run(context.Background())
}

func validRoomID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		if r == '/' || r == '?' || r == '#' {
			return false
		}
	}
	return true
}
