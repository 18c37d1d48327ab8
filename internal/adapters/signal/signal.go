package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/app"
	"github.com/soundline/voicemesh/internal/core"
	"github.com/soundline/voicemesh/internal/domain"
)

// Controller owns the WS endpoint of the signaling relay.
type Controller struct {
	Relay *app.Relay
}

func NewController(relay *app.Relay) *Controller {
	return &Controller{Relay: relay}
}

// WsSignalConn adapts one websocket to core.SignalConnection. The send
// channel is the per-receiver FIFO: whatever order frames enter it is
// the order they reach the wire.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	user := ctl.Relay.Registry.GetOrCreateUser(sid)
	if name := c.Query("name"); name != "" {
		if err := ctl.Relay.Registry.UpdateDisplayName(sid, name); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad display name")
		}
	}
	meta := domain.NewParticipant(user)
	sess := core.NewMemberSession(meta, conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Relay.Registry.BindSignal(sid, sess, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}
