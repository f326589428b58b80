package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusline/school-backend/internal/core/domain"
	"github.com/campusline/school-backend/internal/core/service"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type originFunc func(r *http.Request) bool

func (f originFunc) AllowsOrigin(r *http.Request) bool { return f(r) }

var allowAll = originFunc(func(*http.Request) bool { return true })

type harness struct {
	gw     *Gateway
	tokens *service.TokenService
	clock  *fakeClock
	url    string
}

func newHarness(t *testing.T, cfg GatewayConfig, origins OriginChecker) *harness {
	t.Helper()
	clock := &fakeClock{t: epoch}
	tokens, err := service.NewTokenService(service.TokenConfig{Secret: []byte("s3cr3t-key-0001"), TTL: time.Hour})
	require.NoError(t, err)

	cfg.Now = clock.Now
	gw, err := NewGateway(tokens, origins, cfg, zerolog.Nop())
	require.NoError(t, err)

	e := echo.New()
	require.NoError(t, gw.Mount(e, "/ws"))
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		gw.Shutdown()
		srv.Close()
	})

	return &harness{
		gw:     gw,
		tokens: tokens,
		clock:  clock,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (h *harness) token(t *testing.T, accountID string, roles ...domain.Role) string {
	t.Helper()
	if len(roles) == 0 {
		roles = []domain.Role{domain.RoleTeacher}
	}
	tok, err := h.tokens.Issue(accountID, roles, h.clock.Now())
	require.NoError(t, err)
	return tok
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := h.url
	if token != "" {
		url += "?" + QueryCredential + "=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialOpen connects and consumes the welcome frame.
func (h *harness) dialOpen(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := h.dial(t, token)
	msg := readMessage(t, conn)
	require.Equal(t, TypeWelcome, msg.Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// closeCode reads until the server closes the connection and returns the code.
func closeCode(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce.Code, ce.Text
	}
}

func send(t *testing.T, conn *websocket.Conn, msgType string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Message{Type: msgType, ID: "m1"}))
}

func TestGateway_OpenWithQueryCredential(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, allowAll)

	conn := h.dial(t, h.token(t, "acc-42"))
	welcome := readMessage(t, conn)
	assert.Equal(t, TypeWelcome, welcome.Type)
	assert.Contains(t, string(welcome.Payload), "acc-42")

	require.Equal(t, 1, h.gw.Registry().Count())
	conns := h.gw.Registry().Connections("acc-42")
	require.Len(t, conns, 1)
	assert.Equal(t, domain.StateOpen, conns[0].State())
	assert.Equal(t, []domain.Role{domain.RoleTeacher}, conns[0].Roles())
}

func TestGateway_OpenWithAuthorizationHeader(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, allowAll)

	header := http.Header{}
	header.Set(echo.HeaderAuthorization, "Bearer "+h.token(t, "acc-7"))
	conn, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	defer conn.Close()
	_ = resp.Body.Close()

	assert.Equal(t, TypeWelcome, readMessage(t, conn).Type)
	assert.Len(t, h.gw.Registry().Connections("acc-7"), 1)
}

func TestGateway_MissingCredential(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, allowAll)

	code, reason := closeCode(t, h.dial(t, ""))
	assert.Equal(t, domain.CloseMissingCredential, code)
	assert.Equal(t, domain.ReasonMissingCredential, reason)
	assert.Zero(t, h.gw.Registry().Count())
}

func TestGateway_InvalidCredential(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, allowAll)

	other, err := service.NewTokenService(service.TokenConfig{Secret: []byte("another-secret-99")})
	require.NoError(t, err)
	foreign, err := other.Issue("acc-42", []domain.Role{domain.RoleAdmin}, epoch)
	require.NoError(t, err)

	for _, token := range []string{"garbage", foreign} {
		code, reason := closeCode(t, h.dial(t, token))
		assert.Equal(t, domain.CloseAuthenticationFailed, code)
		assert.Equal(t, domain.ReasonAuthenticationFailed, reason)
	}
	assert.Zero(t, h.gw.Registry().Count())
}

func TestGateway_MalformedAuthorizationHeader(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, allowAll)

	header := http.Header{}
	header.Set(echo.HeaderAuthorization, "Basic "+h.token(t, "acc-42"))
	conn, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	defer conn.Close()
	_ = resp.Body.Close()

	code, reason := closeCode(t, conn)
	assert.Equal(t, domain.CloseAuthenticationFailed, code)
	assert.Equal(t, domain.ReasonAuthenticationFailed, reason)
	assert.Zero(t, h.gw.Registry().Count())
}

func TestGateway_ExpiredAtHandshake(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, allowAll)
	token := h.token(t, "acc-42")
	h.clock.Advance(time.Hour)

	code, _ := closeCode(t, h.dial(t, token))
	assert.Equal(t, domain.CloseAuthenticationFailed, code)
}

func TestGateway_ForbiddenRole(t *testing.T) {
	h := newHarness(t, GatewayConfig{AllowedRoles: []domain.Role{domain.RoleParent}}, allowAll)

	code, reason := closeCode(t, h.dial(t, h.token(t, "acc-1", domain.RoleTeacher)))
	assert.Equal(t, domain.CloseForbidden, code)
	assert.Equal(t, domain.ReasonForbidden, reason)
}

func TestGateway_OriginRejected(t *testing.T) {
	deny := originFunc(func(*http.Request) bool { return false })
	h := newHarness(t, GatewayConfig{}, deny)

	_, resp, err := websocket.DefaultDialer.Dial(h.url+"?access_token="+h.token(t, "acc-1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, h.gw.Registry().Count())
}

func TestGateway_ExpiryClosesOpenConnection(t *testing.T) {
	h := newHarness(t, GatewayConfig{RevalidateInterval: 20 * time.Millisecond}, allowAll)
	conn := h.dialOpen(t, h.token(t, "acc-42"))

	h.clock.Advance(time.Hour)

	code, reason := closeCode(t, conn)
	assert.Equal(t, domain.CloseCredentialExpired, code)
	assert.Equal(t, domain.ReasonCredentialExpired, reason)
	require.Eventually(t, func() bool { return h.gw.Registry().Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGateway_InboundMessageRevalidates(t *testing.T) {
	h := newHarness(t, GatewayConfig{RevalidateInterval: time.Hour}, allowAll)
	conn := h.dialOpen(t, h.token(t, "acc-42"))

	h.clock.Advance(59 * time.Minute)
	send(t, conn, TypePing)
	assert.Equal(t, TypePong, readMessage(t, conn).Type)

	h.clock.Advance(time.Minute)
	send(t, conn, TypePing)
	code, _ := closeCode(t, conn)
	assert.Equal(t, domain.CloseCredentialExpired, code)
}

func TestGateway_DefaultHandler(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, allowAll)
	conn := h.dialOpen(t, h.token(t, "acc-42"))

	send(t, conn, TypePing)
	pong := readMessage(t, conn)
	assert.Equal(t, TypePong, pong.Type)
	assert.Equal(t, "m1", pong.ID)

	send(t, conn, "subscribe")
	assert.Equal(t, TypeError, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, TypeError, readMessage(t, conn).Type)
}

func TestGateway_CustomHandlerOnlySeesOpenTraffic(t *testing.T) {
	got := make(chan string, 4)
	h := newHarness(t, GatewayConfig{Handler: func(c *Connection, data []byte) {
		assert.Equal(t, domain.StateOpen, c.State())
		got <- c.AccountID() + ":" + string(data)
	}}, allowAll)
	conn := h.dialOpen(t, h.token(t, "acc-42"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	select {
	case m := <-got:
		assert.Equal(t, "acc-42:hello", m)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestGateway_RateLimit(t *testing.T) {
	h := newHarness(t, GatewayConfig{MessagesPerSecond: 1, Burst: 2}, allowAll)
	conn := h.dialOpen(t, h.token(t, "acc-42"))

	for i := 0; i < 5; i++ {
		if err := conn.WriteJSON(Message{Type: TypePing}); err != nil {
			break
		}
	}

	code, reason := closeCode(t, conn)
	assert.Equal(t, domain.CloseRateLimited, code)
	assert.Equal(t, domain.ReasonRateLimited, reason)
}

func TestGateway_Deliver(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, allowAll)
	first := h.dialOpen(t, h.token(t, "acc-parent"))
	second := h.dialOpen(t, h.token(t, "acc-parent"))
	other := h.dialOpen(t, h.token(t, "acc-other"))

	assert.Equal(t, 2, h.gw.Deliver("acc-parent", []byte(`{"type":"notification","id":"n1"}`)))
	assert.Equal(t, 0, h.gw.Deliver("acc-nobody", []byte(`{}`)))

	for _, c := range []*websocket.Conn{first, second} {
		msg := readMessage(t, c)
		assert.Equal(t, TypeNotification, msg.Type)
		assert.Equal(t, "n1", msg.ID)
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "other account must not receive the frame")
}

func TestGateway_ClientCloseDeregisters(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, allowAll)
	conn := h.dialOpen(t, h.token(t, "acc-42"))
	require.Equal(t, 1, h.gw.Registry().Count())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool { return h.gw.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_Shutdown(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, allowAll)
	a := h.dialOpen(t, h.token(t, "acc-1"))
	b := h.dialOpen(t, h.token(t, "acc-2"))

	assert.Equal(t, 2, h.gw.Shutdown())
	for _, c := range []*websocket.Conn{a, b} {
		code, reason := closeCode(t, c)
		assert.Equal(t, domain.CloseServerShutdown, code)
		assert.Equal(t, domain.ReasonServerShutdown, reason)
	}
	assert.Zero(t, h.gw.Registry().Count())
	assert.Zero(t, h.gw.Shutdown())
}

func TestGateway_ConcurrentConnects(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, allowAll)
	token := h.token(t, "acc-42")

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, resp, err := websocket.DefaultDialer.Dial(h.url+"?access_token="+token, nil)
			if err != nil {
				return
			}
			_ = resp.Body.Close()
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, _, _ = conn.ReadMessage()
			_ = conn.Close()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.gw.Registry().Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestNewGateway_RequiresCollaborators(t *testing.T) {
	tokens, err := service.NewTokenService(service.TokenConfig{Secret: []byte("s3cr3t-key-0001")})
	require.NoError(t, err)

	var ce *domain.ConfigError
	_, err = NewGateway(nil, allowAll, GatewayConfig{}, zerolog.Nop())
	assert.True(t, errors.As(err, &ce))
	_, err = NewGateway(tokens, nil, GatewayConfig{}, zerolog.Nop())
	assert.True(t, errors.As(err, &ce))
}

func TestMount_Validation(t *testing.T) {
	tokens, err := service.NewTokenService(service.TokenConfig{Secret: []byte("s3cr3t-key-0001")})
	require.NoError(t, err)
	gw, err := NewGateway(tokens, allowAll, GatewayConfig{}, zerolog.Nop())
	require.NoError(t, err)

	var ce *domain.ConfigError
	assert.True(t, errors.As(gw.Mount(nil, "/ws"), &ce))
	assert.True(t, errors.As(gw.Mount(echo.New(), ""), &ce))
	assert.True(t, errors.As(gw.Mount(echo.New(), "ws"), &ce))

	require.NoError(t, gw.Mount(echo.New(), "/ws"))
	assert.True(t, errors.As(gw.Mount(echo.New(), "/ws"), &ce), "second mount must fail")
}

func TestCredentialExtraction(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token=q-token", nil)
	tok, ok := credential(req)
	assert.True(t, ok)
	assert.Equal(t, "q-token", tok)

	req.Header.Set(echo.HeaderAuthorization, "Bearer h-token")
	tok, ok = credential(req)
	assert.True(t, ok)
	assert.Equal(t, "h-token", tok, "header wins over query")

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set(echo.HeaderAuthorization, "Basic abc")
	tok, ok = credential(req)
	assert.True(t, ok, "a malformed header is still a presented credential")
	assert.Empty(t, tok)

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, ok = credential(req)
	assert.False(t, ok)
}
