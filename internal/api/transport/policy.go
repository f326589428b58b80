// Package transport enforces the cross-origin and transport-security rules
// that apply to every inbound request, REST and realtime alike.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/campusline/school-backend/internal/api/metrics"
	"github.com/campusline/school-backend/internal/core/domain"
)

const (
	wildcardOrigin    = "*"
	defaultHSTSMaxAge = 31536000
	component         = "transport_policy"
)

// PolicyConfig is the operator supplied transport configuration.
type PolicyConfig struct {
	AllowedOrigins      []string
	AllowCredentials    bool
	RequireHTTPS        bool
	TrustForwardedProto bool
	// HSTSMaxAge in seconds; defaults to one year when RequireHTTPS is set.
	HSTSMaxAge int
}

// Policy is immutable after NewPolicy returns.
type Policy struct {
	origins             map[string]struct{}
	anyOrigin           bool
	allowCredentials    bool
	requireHTTPS        bool
	trustForwardedProto bool
	hstsMaxAge          int

	mu        sync.Mutex
	installed map[*echo.Echo]struct{}
}

// NewPolicy validates cfg and builds a Policy. A wildcard origin is accepted
// only when credentials are not allowed.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if len(cfg.AllowedOrigins) == 0 {
		return nil, domain.NewConfigError(component, errors.New("allowed origins must not be empty"))
	}

	p := &Policy{
		origins:             make(map[string]struct{}, len(cfg.AllowedOrigins)),
		allowCredentials:    cfg.AllowCredentials,
		requireHTTPS:        cfg.RequireHTTPS,
		trustForwardedProto: cfg.TrustForwardedProto,
		hstsMaxAge:          cfg.HSTSMaxAge,
		installed:           make(map[*echo.Echo]struct{}),
	}
	if p.hstsMaxAge <= 0 {
		p.hstsMaxAge = defaultHSTSMaxAge
	}

	for _, raw := range cfg.AllowedOrigins {
		entry := strings.TrimSpace(raw)
		if entry == wildcardOrigin {
			if cfg.AllowCredentials {
				return nil, domain.NewConfigError(component,
					errors.New("wildcard origin cannot be combined with credentials"))
			}
			p.anyOrigin = true
			continue
		}

		origin, err := normalizeOrigin(entry)
		if err != nil {
			return nil, domain.NewConfigError(component, err)
		}
		p.origins[origin] = struct{}{}
	}

	return p, nil
}

// normalizeOrigin accepts only scheme://host[:port] and returns it lower-cased.
func normalizeOrigin(raw string) (string, error) {
	trimmed := strings.TrimSuffix(raw, "/")
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("origin %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("origin %q: scheme must be http or https", raw)
	}
	if u.Host == "" || u.User != nil || u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("origin %q: must be scheme://host[:port]", raw)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

// CheckScheme rejects plaintext requests when HTTPS is required.
func (p *Policy) CheckScheme(r *http.Request) error {
	if !p.requireHTTPS || p.isSecure(r) {
		return nil
	}
	return &domain.PolicyRejection{Reason: domain.ReasonInsecureTransport}
}

func (p *Policy) isSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if !p.trustForwardedProto {
		return false
	}
	proto := r.Header.Get(echo.HeaderXForwardedProto)
	if i := strings.IndexByte(proto, ','); i >= 0 {
		proto = proto[:i]
	}
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

// CheckOrigin rejects requests whose Origin header is not allow-listed.
// Requests without an Origin header are not cross-origin and pass.
func (p *Policy) CheckOrigin(r *http.Request) error {
	origin := r.Header.Get(echo.HeaderOrigin)
	if origin == "" || p.allowsOriginValue(origin) {
		return nil
	}
	return &domain.PolicyRejection{Reason: domain.ReasonOriginNotAllowed, Detail: origin}
}

// AllowsOrigin reports whether r may proceed on origin grounds. It has the
// shape of websocket.Upgrader.CheckOrigin.
func (p *Policy) AllowsOrigin(r *http.Request) bool {
	return p.CheckOrigin(r) == nil
}

func (p *Policy) allowsOriginValue(origin string) bool {
	if p.anyOrigin {
		return true
	}
	normalized, err := normalizeOrigin(origin)
	if err != nil {
		return false
	}
	_, ok := p.origins[normalized]
	return ok
}

// Install registers the policy as pre-routing middleware: scheme check, then
// origin check, then CORS headers and, with HTTPS required, HSTS. It must run
// before any route is registered and only once per echo instance.
func (p *Policy) Install(e *echo.Echo) error {
	if e == nil {
		return domain.NewConfigError(component, errors.New("nil echo instance"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.installed[e]; done {
		return domain.NewConfigError(component, errors.New("policy already installed"))
	}
	p.installed[e] = struct{}{}

	e.Pre(p.schemeMiddleware, p.originMiddleware)
	e.Pre(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return p.allowsOriginValue(origin), nil
		},
		AllowCredentials: p.allowCredentials,
	}))

	if p.requireHTTPS {
		secure := echomiddleware.DefaultSecureConfig
		secure.HSTSMaxAge = p.hstsMaxAge
		e.Pre(echomiddleware.SecureWithConfig(secure))
	}

	return nil
}

func (p *Policy) schemeMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := p.CheckScheme(c.Request()); err != nil {
			return reject(http.StatusUpgradeRequired, err)
		}
		return next(c)
	}
}

func (p *Policy) originMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := p.CheckOrigin(c.Request()); err != nil {
			return reject(http.StatusForbidden, err)
		}
		return next(c)
	}
}

// reject wraps the rejection so that echo's default error handler renders the
// right status while errors.As still finds the *domain.PolicyRejection.
func reject(status int, err error) error {
	msg := err.Error()
	var pr *domain.PolicyRejection
	if errors.As(err, &pr) {
		metrics.PolicyRejectionsTotal.WithLabelValues(pr.Reason).Inc()
		msg = pr.Reason
	}
	return echo.NewHTTPError(status, msg).SetInternal(err)
}
