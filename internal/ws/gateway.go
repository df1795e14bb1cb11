// Package ws is the websocket entry point of the realtime core: it
// authenticates the handshake, registers the connection with the broker and
// pumps frames in both directions.
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/relaychat/internal/auth"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/realtime"
	"go.uber.org/zap"
)

type Options struct {
	SendBuffer     int
	PingInterval   time.Duration
	AllowedOrigins []string
}

type Gateway struct {
	broker     *realtime.Broker
	dispatcher *realtime.Dispatcher
	verifier   auth.Verifier
	upgrader   websocket.Upgrader
	opts       Options
	logger     *zap.Logger
}

func NewGateway(
	broker *realtime.Broker,
	dispatcher *realtime.Dispatcher,
	verifier auth.Verifier,
	opts Options,
	logger *zap.Logger,
) *Gateway {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	g := &Gateway{
		broker:     broker,
		dispatcher: dispatcher,
		verifier:   verifier,
		opts:       opts,
		logger:     logger.Named("ws"),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// handshakeToken accepts "Authorization: Bearer <token>" or ?token=<token>;
// browsers cannot set headers on a websocket upgrade.
func handshakeToken(c *gin.Context) string {
	if token, ok := middleware.BearerToken(c.GetHeader("Authorization")); ok {
		return token
	}
	return c.Query("token")
}

// Handle serves GET /v1/ws.
func (g *Gateway) Handle(c *gin.Context) {
	identity, err := g.verifier.Verify(handshakeToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "invalid or expired token",
			"code":  realtime.Code(realtime.ErrAuth),
		})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	cl := newClient(conn, identity.UserID, g.opts.SendBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go cl.writePump(g.opts.PingInterval)

	if err := g.broker.Connect(ctx, cl); err != nil {
		g.logger.Warn("connect failed",
			zap.String("user_id", identity.UserID.String()),
			zap.Error(err),
		)
		g.broker.SendError(cl, "", err)
		// Give the writer a moment to flush the error frame.
		time.AfterFunc(time.Second, func() { _ = cl.Close() })
		return
	}

	g.readPump(ctx, cl)
}

func (g *Gateway) readPump(ctx context.Context, cl *client) {
	defer func() {
		g.broker.Disconnect(cl.ID())
		_ = cl.Close()
	}()

	pongWait := g.opts.PingInterval + g.opts.PingInterval/2
	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("read failed", zap.String("conn_id", cl.ID()), zap.Error(err))
			}
			return
		}
		// Any traffic proves the peer is alive.
		_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		g.dispatcher.Dispatch(ctx, cl, frame)
	}
}
