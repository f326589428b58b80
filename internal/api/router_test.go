package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/campusline/school-backend/internal/api/handler"
	"github.com/campusline/school-backend/internal/core/domain"
	"github.com/campusline/school-backend/internal/core/ports"
	"github.com/campusline/school-backend/internal/core/service"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type nopAuth struct{}

func (nopAuth) Register(context.Context, ports.RegisterInput) (*domain.Account, error) {
	return nil, domain.ErrForbidden
}

func (nopAuth) Login(context.Context, string, string) (*ports.Session, error) {
	return nil, domain.ErrInvalidCredentials
}

func (nopAuth) Refresh(context.Context, *domain.Principal) (*ports.Session, error) {
	return nil, errors.New("store unavailable")
}

func (nopAuth) RotatePassword(context.Context, string, string, string) error { return nil }

type countingDispatcher struct{ n int }

func (d *countingDispatcher) Enqueue(domain.Notification) error { d.n++; return nil }

type fixture struct {
	e          *echo.Echo
	tokens     *service.TokenService
	dispatcher *countingDispatcher
	readiness  *handler.ReadinessHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	tokens, err := service.NewTokenService(service.TokenConfig{Secret: []byte("s3cr3t-key-0001")})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	f := &fixture{
		e:          NewServer(ServerOptions{Log: zerolog.Nop(), Registerer: reg}),
		tokens:     tokens,
		dispatcher: &countingDispatcher{},
		readiness:  handler.NewReadinessHandler(nil),
	}
	err = RegisterRoutes(f.e, Routes{
		Auth:       nopAuth{},
		Tokens:     tokens,
		Dispatcher: f.dispatcher,
		Readiness:  f.readiness,
		Gatherer:   reg,
		Now:        func() time.Time { return now.Add(time.Minute) },
	})
	if err != nil {
		t.Fatalf("register routes: %v", err)
	}
	return f
}

func (f *fixture) bearer(t *testing.T, roles ...domain.Role) string {
	t.Helper()
	token, err := f.tokens.Issue("acc-1", roles, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return "Bearer " + token
}

func (f *fixture) do(method, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if auth != "" {
		req.Header.Set(echo.HeaderAuthorization, auth)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected error envelope, got %q", rec.Body.String())
	}
	return body.Error
}

func TestRouter_MeRequiresCredential(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/me", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if msg := errorOf(t, rec); msg != "missing authorization header" {
		t.Fatalf("unexpected message %q", msg)
	}

	rec = f.do(http.MethodGet, "/v1/me", f.bearer(t, domain.RoleParent), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRouter_NotificationsRBAC(t *testing.T) {
	f := newFixture(t)
	body := `{"account_id":"acc-2","type":"notice"}`

	rec := f.do(http.MethodPost, "/v1/notifications", f.bearer(t, domain.RoleParent), body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("parent: expected 403, got %d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/v1/notifications", f.bearer(t, domain.RoleTeacher), body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("teacher: expected 202, got %d", rec.Code)
	}
	if f.dispatcher.n != 1 {
		t.Fatalf("expected one enqueued notification, got %d", f.dispatcher.n)
	}
}

func TestRouter_DomainErrorsUseEnvelope(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/auth/login", "", `{"email":"a@school.edu","password":"nope"}`)
	if rec.Code != http.StatusUnauthorized || errorOf(t, rec) != "invalid credentials" {
		t.Fatalf("unexpected login failure response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_UnexpectedErrorsDoNotLeak(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/auth/refresh", f.bearer(t, domain.RoleTeacher), "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if msg := errorOf(t, rec); msg != "internal server error" {
		t.Fatalf("internal detail leaked: %q", msg)
	}
}

func TestRouter_NotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/nothing-here", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRouter_ProbesAndMetrics(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("liveness: expected 200, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/health/ready", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness before MarkReady: expected 503, got %d", rec.Code)
	}
	f.readiness.MarkReady()
	if rec := f.do(http.MethodGet, "/health/ready", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("readiness: expected 200, got %d", rec.Code)
	}

	rec := f.do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "school_http_requests_total") {
		t.Fatalf("expected echo request metrics, got:\n%s", rec.Body.String())
	}
}

func TestRegisterRoutes_MissingDependency(t *testing.T) {
	err := RegisterRoutes(echo.New(), Routes{})
	var ce *domain.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
