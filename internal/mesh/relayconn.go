package mesh

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/core"
	"github.com/soundline/voicemesh/internal/protocol"
)

// RelayConn is the client's view of the signaling relay.
type RelayConn interface {
	// Send queues an envelope for delivery. While the relay is down the
	// queue keeps up to its bound and drops the oldest entry when full.
	Send(ev protocol.EventType, payload any) error
	Inbound() <-chan protocol.Envelope
	Close()
}

// EvRelayReconnected is a local synthetic event, never put on the wire:
// the connection loop injects it on Inbound after re-dialing. The relay
// treated the drop as a leave, so the session must re-join its room.
const EvRelayReconnected protocol.EventType = "relay:reconnected"

// WSRelayConn speaks the relay protocol over a websocket, reconnecting
// with backoff and draining the queued envelopes once the link is back.
type WSRelayConn struct {
	url    string
	header http.Header

	queue   chan []byte
	inbound chan protocol.Envelope

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// DialRelay starts the connection loop. The header typically carries the
// client token cookie so the relay binds a stable identity across
// reconnects.
func DialRelay(ctx context.Context, url string, queueSize int, header http.Header) *WSRelayConn {
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &WSRelayConn{
		url:     url,
		header:  header,
		queue:   make(chan []byte, queueSize),
		inbound: make(chan protocol.Envelope, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.run()
	return c
}

func (c *WSRelayConn) Send(ev protocol.EventType, payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return core.ErrRelayUnavailable
	}

	frame, err := protocol.Encode(ev, payload)
	if err != nil {
		return err
	}
	for {
		select {
		case c.queue <- frame:
			return nil
		default:
			// Queue full: drop the oldest envelope, keep the newest.
			select {
			case dropped := <-c.queue:
				log.Warn().Str("module", "mesh.relay").Int("bytes", len(dropped)).Msg("send queue full, dropped oldest envelope")
			default:
			}
		}
	}
}

func (c *WSRelayConn) Inbound() <-chan protocol.Envelope { return c.inbound }

func (c *WSRelayConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

// run owns the inbound channel and closes it on exit.
func (c *WSRelayConn) run() {
	defer close(c.inbound)
	backoff := time.Second
	connectedBefore := false
	for {
		if c.ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(c.ctx, c.url, c.header)
		if err != nil {
			log.Warn().Err(err).Str("module", "mesh.relay").Str("url", c.url).Dur("retry_in", backoff).Msg("relay dial failed")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		log.Info().Str("module", "mesh.relay").Str("url", c.url).Msg("relay connected")

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		if connectedBefore {
			select {
			case c.inbound <- protocol.Envelope{Type: EvRelayReconnected, Timestamp: time.Now().UnixMilli()}:
			case <-c.ctx.Done():
			}
		}
		connectedBefore = true

		writerCtx, stopWriter := context.WithCancel(c.ctx)
		go c.writePump(writerCtx, conn)
		c.readPump(conn)
		stopWriter()

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		log.Warn().Str("module", "mesh.relay").Msg("relay connection lost, reconnecting")
	}
}

func (c *WSRelayConn) writePump(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.queue:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("module", "mesh.relay").Msg("write error")
				return
			}
		}
	}
}

func (c *WSRelayConn) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				log.Error().Err(err).Str("module", "mesh.relay").Msg("read error")
			}
			_ = conn.Close()
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Error().Err(err).Str("module", "mesh.relay").Msg("bad envelope from relay")
			continue
		}
		select {
		case c.inbound <- env:
		case <-c.ctx.Done():
			return
		}
	}
}
