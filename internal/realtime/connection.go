package realtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/campusline/school-backend/internal/api/metrics"
	"github.com/campusline/school-backend/internal/core/domain"
)

const closeWriteWait = time.Second

// Connection is one authenticated realtime session. Its credential is the one
// presented at the handshake and is re-checked for as long as it stays open.
type Connection struct {
	id        string
	accountID string
	roles     []domain.Role
	token     string
	expiresAt time.Time

	gw      *Gateway
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	log     zerolog.Logger

	mu    sync.RWMutex
	state domain.ConnectionState

	closeOnce   sync.Once
	closeReason string
}

func (c *Connection) ID() string           { return c.id }
func (c *Connection) AccountID() string    { return c.accountID }
func (c *Connection) Roles() []domain.Role { return c.roles }

// State returns the current lifecycle state.
func (c *Connection) State() domain.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CloseReason is empty until the connection has been closed.
func (c *Connection) CloseReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

// transition moves the connection to next or fails without changing state.
func (c *Connection) transition(next domain.ConnectionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidConnectionTransition, c.state, next)
	}
	c.state = next
	return nil
}

// Send queues data for the write pump. It never blocks; a full buffer or a
// closed connection drops the frame and reports false.
func (c *Connection) Send(data []byte) bool {
	if c.State() != domain.StateOpen {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn().Str("connection_id", c.id).Msg("realtime send buffer full, dropping frame")
		return false
	}
}

// Close sends a close frame with code and reason and tears the connection
// down. Only the first call has any effect.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		if err := c.transition(domain.StateClosing); err != nil {
			c.log.Debug().Err(err).Str("connection_id", c.id).Msg("close outside open state")
		}
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()

		if c.gw.registry.Remove(c) {
			metrics.RealtimeConnections.Dec()
		}
		close(c.done)

		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		_ = c.ws.Close()

		c.mu.Lock()
		c.state = domain.StateClosed
		c.mu.Unlock()

		metrics.RealtimeClosuresTotal.WithLabelValues(reason).Inc()
		c.log.Debug().
			Str("connection_id", c.id).
			Str("account_id", c.accountID).
			Int("code", code).
			Str("reason", reason).
			Msg("realtime connection closed")
	})
}

// revalidate re-checks the handshake credential. A failure closes the
// connection with credential_expired and reports false.
func (c *Connection) revalidate() bool {
	if _, err := c.gw.validator.Validate(c.token, c.gw.now()); err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("invalid", "realtime").Inc()
		c.Close(domain.CloseCredentialExpired, domain.ReasonCredentialExpired)
		return false
	}
	return true
}

// readPump reads inbound frames until the connection ends.
func (c *Connection) readPump() {
	cfg := c.gw.cfg
	deadline := cfg.PingInterval + cfg.PongTimeout

	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Close(websocket.CloseNormalClosure, readCloseReason(err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))

		if !c.revalidate() {
			return
		}
		if !c.limiter.Allow() {
			c.Close(domain.CloseRateLimited, domain.ReasonRateLimited)
			return
		}
		if c.State() != domain.StateOpen {
			return
		}
		c.gw.handler(c, data)
	}
}

func readCloseReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return domain.ReasonClientClosed
	}
	return domain.ReasonChannelError
}

// writePump owns all data writes. It also pings the peer and closes the
// connection once its credential stops validating.
func (c *Connection) writePump() {
	cfg := c.gw.cfg
	ping := time.NewTicker(cfg.PingInterval)
	revalidate := time.NewTicker(cfg.RevalidateInterval)
	expiry := time.NewTimer(c.expiresAt.Sub(c.gw.now()))
	defer func() {
		ping.Stop()
		revalidate.Stop()
		expiry.Stop()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close(websocket.CloseInternalServerErr, domain.ReasonChannelError)
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseInternalServerErr, domain.ReasonChannelError)
				return
			}
		case <-revalidate.C:
			if !c.revalidate() {
				return
			}
		case <-expiry.C:
			if !c.revalidate() {
				return
			}
			// Clock skew between the timer and the validator; check again soon.
			expiry.Reset(time.Second)
		}
	}
}
