// Package ws exposes the per-user event stream over a websocket.
//
// Each connection subscribes to the user's Redis pub/sub channel and forwards
// every published envelope verbatim. The connection doubles as a presence
// heartbeat: while it is open the user is reported online, and the heartbeat
// is refreshed on a timer well inside the TTL.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"messenger-platform/internal/auth"
	"messenger-platform/internal/notify"
	"messenger-platform/internal/presence"
	"messenger-platform/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 70 * time.Second
	pingPeriod = 30 * time.Second
)

type clientFrame struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
}

// connState remembers the last status the client reported so that periodic
// refreshes do not flip an away user back to online.
type connState struct {
	mu     sync.Mutex
	status presence.Status
}

func (s *connState) set(st presence.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *connState) get() presence.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Gateway upgrades authenticated requests and bridges Redis pub/sub to the
// socket.
type Gateway struct {
	rdb       *redis.Client
	presence  *presence.Service
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

func NewGateway(rdb *redis.Client, pres *presence.Service, heartbeatTTL time.Duration) *Gateway {
	// Refresh at a third of the TTL so a single missed tick never flaps
	// the user offline.
	refresh := heartbeatTTL / 3
	if refresh <= 0 {
		refresh = 20 * time.Second
	}
	return &Gateway{
		rdb:       rdb,
		presence:  pres,
		heartbeat: refresh,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (g *Gateway) Handle(c *gin.Context) {
	log := logger.FromGin(c)
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "unauthorized"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "user_id", userID, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := g.rdb.Subscribe(ctx, notify.ChannelFor(userID))
	defer func() {
		_ = sub.Close()
		_ = conn.Close()
		if err := g.presence.Clear(context.Background(), userID); err != nil {
			log.Warn("presence clear failed", "user_id", userID, "err", err)
		}
		log.Info("websocket closed", "user_id", userID)
	}()

	state := &connState{status: presence.StatusOnline}
	if err := g.presence.Heartbeat(ctx, userID, state.get()); err != nil {
		log.Warn("initial heartbeat failed", "user_id", userID, "err", err)
	}
	log.Info("websocket connected", "user_id", userID)

	go g.writePump(ctx, cancel, conn, sub, userID, state, log)
	g.readPump(ctx, conn, userID, state, log)
}

// readPump consumes client frames. The only meaningful frames are presence
// heartbeats carrying an optional status; everything else is dropped. The
// pump exits on any read error, which tears the connection down.
func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, userID string, state *connState, log *slog.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		if frame.Type != "heartbeat" {
			continue
		}
		status := presence.StatusOnline
		if frame.Status == string(presence.StatusAway) {
			status = presence.StatusAway
		}
		state.set(status)
		if err := g.presence.Heartbeat(ctx, userID, status); err != nil {
			log.Warn("heartbeat failed", "user_id", userID, "err", err)
		}
	}
}

// writePump forwards pub/sub envelopes to the socket and keeps the
// connection alive with pings and presence refreshes.
func (g *Gateway) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *redis.PubSub, userID string, state *connState, log *slog.Logger) {
	defer cancel()
	defer func() { _ = conn.Close() }()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	refresh := time.NewTicker(g.heartbeat)
	defer refresh.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-refresh.C:
			if err := g.presence.Heartbeat(ctx, userID, state.get()); err != nil {
				log.Warn("heartbeat refresh failed", "user_id", userID, "err", err)
			}
		}
	}
}
