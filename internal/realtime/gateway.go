// Package realtime authenticates and serves WebSocket connections using the
// same bearer credentials as the REST API.
package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/campusline/school-backend/internal/api/metrics"
	"github.com/campusline/school-backend/internal/api/middleware"
	"github.com/campusline/school-backend/internal/core/domain"
	"github.com/campusline/school-backend/internal/core/ports"
)

const (
	component = "realtime_gateway"

	// QueryCredential carries the credential for clients that cannot set
	// headers on the upgrade request (browsers).
	QueryCredential = "access_token"

	defaultPingInterval       = 30 * time.Second
	defaultPongTimeout        = 10 * time.Second
	defaultRevalidateInterval = 15 * time.Second
	defaultMaxMessageBytes    = 64 << 10
	defaultMessagesPerSecond  = 20
	defaultBurst              = 40
	defaultSendBuffer         = 256
	handshakeTimeout          = 10 * time.Second
)

// OriginChecker decides whether an upgrade request's origin is acceptable.
type OriginChecker interface {
	AllowsOrigin(r *http.Request) bool
}

// MessageHandler receives inbound frames from Open connections.
type MessageHandler func(c *Connection, data []byte)

// GatewayConfig tunes connection behaviour. Zero values take defaults.
type GatewayConfig struct {
	PingInterval       time.Duration
	PongTimeout        time.Duration
	RevalidateInterval time.Duration
	MaxMessageBytes    int64
	MessagesPerSecond  float64
	Burst              int
	SendBuffer         int
	// AllowedRoles restricts who may connect; empty admits every role.
	AllowedRoles []domain.Role
	Handler      MessageHandler
	Now          func() time.Time
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	if c.RevalidateInterval <= 0 {
		c.RevalidateInterval = defaultRevalidateInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMessagesPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Gateway admits WebSocket connections and tracks them in a Registry.
type Gateway struct {
	validator ports.TokenValidator
	registry  *Registry
	upgrader  websocket.Upgrader
	cfg       GatewayConfig
	handler   MessageHandler
	now       func() time.Time
	log       zerolog.Logger

	mu      sync.Mutex
	mounted bool
}

// NewGateway wires a Gateway. Origin checks are delegated to origins so the
// upgrade honours the same allow-list as REST.
func NewGateway(validator ports.TokenValidator, origins OriginChecker, cfg GatewayConfig, log zerolog.Logger) (*Gateway, error) {
	if validator == nil {
		return nil, domain.NewConfigError(component, errors.New("nil token validator"))
	}
	if origins == nil {
		return nil, domain.NewConfigError(component, errors.New("nil origin checker"))
	}

	cfg = cfg.withDefaults()
	g := &Gateway{
		validator: validator,
		registry:  NewRegistry(),
		cfg:       cfg,
		now:       cfg.Now,
		log:       log.With().Str("component", component).Logger(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      origins.AllowsOrigin,
		},
	}
	g.handler = cfg.Handler
	if g.handler == nil {
		g.handler = g.defaultHandler
	}
	return g, nil
}

// Registry exposes the live connection registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Mount registers the upgrade endpoint at path. It may be called once.
func (g *Gateway) Mount(e *echo.Echo, path string) error {
	if e == nil {
		return domain.NewConfigError(component, errors.New("nil echo instance"))
	}
	if path == "" || !strings.HasPrefix(path, "/") {
		return domain.NewConfigError(component, errors.New("mount path must start with /"))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mounted {
		return domain.NewConfigError(component, errors.New("gateway already mounted"))
	}
	g.mounted = true

	e.GET(path, g.ServeWS)
	g.log.Info().Str("path", path).Msg("realtime gateway mounted")
	return nil
}

// credential returns the bearer token from the Authorization header or, for
// browsers, the access_token query parameter. present is true whenever the
// client sent either; a malformed header yields an empty token that fails
// validation.
func credential(r *http.Request) (token string, present bool) {
	if header := r.Header.Get(echo.HeaderAuthorization); header != "" {
		token, _ = middleware.BearerToken(header)
		return token, true
	}
	token = strings.TrimSpace(r.URL.Query().Get(QueryCredential))
	return token, token != ""
}

// ServeWS upgrades the request, then authenticates it. Authentication runs on
// the upgraded socket so that failures are reported as close codes.
func (g *Gateway) ServeWS(c echo.Context) error {
	conn := &Connection{
		id:    uuid.NewString(),
		state: domain.StateConnecting,
		gw:    g,
		done:  make(chan struct{}),
		send:  make(chan []byte, g.cfg.SendBuffer),
		log:   g.log,
	}
	token, present := credential(c.Request())

	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		g.log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	conn.ws = ws
	_ = conn.transition(domain.StateAuthenticating)

	if !present {
		g.reject(conn, domain.CloseMissingCredential, domain.ReasonMissingCredential, "missing")
		return nil
	}

	principal, err := g.validator.Validate(token, g.now())
	if err != nil {
		g.log.Debug().Err(err).Str("connection_id", conn.id).Msg("realtime authentication failed")
		g.reject(conn, domain.CloseAuthenticationFailed, domain.ReasonAuthenticationFailed, "invalid")
		return nil
	}
	if len(g.cfg.AllowedRoles) > 0 && !principal.HasAnyRole(g.cfg.AllowedRoles...) {
		g.reject(conn, domain.CloseForbidden, domain.ReasonForbidden, "forbidden")
		return nil
	}

	conn.accountID = principal.AccountID
	conn.roles = principal.Roles
	conn.token = token
	conn.expiresAt = principal.ExpiresAt
	conn.limiter = rate.NewLimiter(rate.Limit(g.cfg.MessagesPerSecond), g.cfg.Burst)
	conn.log = g.log.With().Str("connection_id", conn.id).Str("account_id", conn.accountID).Logger()

	if err := conn.transition(domain.StateOpen); err != nil {
		g.reject(conn, websocket.CloseInternalServerErr, domain.ReasonChannelError, "")
		return nil
	}
	g.registry.Add(conn)
	metrics.RealtimeConnections.Inc()

	go conn.writePump()
	go conn.readPump()

	if welcome, err := encode(TypeWelcome, conn.id, map[string]any{
		"account_id": conn.accountID,
		"expires_at": conn.expiresAt,
	}, g.now()); err == nil {
		conn.Send(welcome)
	}

	conn.log.Debug().Int("connections", g.registry.Count()).Msg("realtime connection open")
	return nil
}

// reject closes a connection that never reached Open. It is never registered.
func (g *Gateway) reject(conn *Connection, code int, reason, metricReason string) {
	if metricReason != "" {
		metrics.AuthFailuresTotal.WithLabelValues(metricReason, "realtime").Inc()
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	_ = conn.ws.Close()

	conn.mu.Lock()
	conn.state = domain.StateClosed
	conn.closeReason = reason
	conn.mu.Unlock()

	metrics.RealtimeClosuresTotal.WithLabelValues(reason).Inc()
}

// Deliver sends payload to every Open connection of accountID and returns the
// number of connections that accepted it.
func (g *Gateway) Deliver(accountID string, payload []byte) int {
	delivered := 0
	for _, conn := range g.registry.Connections(accountID) {
		if conn.Send(payload) {
			delivered++
		}
	}
	return delivered
}

// Shutdown closes every connection with 1001 server_shutdown.
func (g *Gateway) Shutdown() int {
	n := g.registry.CloseAll(domain.CloseServerShutdown, domain.ReasonServerShutdown)
	if n > 0 {
		g.log.Info().Int("connections", n).Msg("realtime connections closed for shutdown")
	}
	return n
}

// defaultHandler answers application pings and rejects anything else.
func (g *Gateway) defaultHandler(conn *Connection, data []byte) {
	var msg Message
	reply := func(msgType string, payload any) {
		if out, err := encode(msgType, msg.ID, payload, g.now()); err == nil {
			conn.Send(out)
		}
	}

	if err := json.Unmarshal(data, &msg); err != nil {
		reply(TypeError, map[string]string{"error": "invalid JSON message"})
		return
	}
	switch msg.Type {
	case TypePing:
		reply(TypePong, nil)
	default:
		reply(TypeError, map[string]string{"error": "unsupported message type: " + msg.Type})
	}
}
