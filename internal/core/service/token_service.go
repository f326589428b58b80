package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/campusline/school-backend/internal/core/domain"
)

const (
	// MinSecretLength is the shortest signing secret accepted, in bytes.
	MinSecretLength = 12

	defaultTokenTTL = time.Hour
	defaultIssuer   = "school-api"

	// claimPrecision is the resolution of the validity window.
	claimPrecision = time.Millisecond
)

func init() {
	// NumericDate claims are encoded as float seconds. A finer wire precision
	// than claimPrecision lets decoded times round back to the exact issued
	// millisecond.
	jwt.TimePrecision = time.Microsecond
}

// TokenConfig is the input to NewTokenService.
type TokenConfig struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
}

// credentialClaims is the wire form of a credential.
type credentialClaims struct {
	jwt.RegisteredClaims
	Roles []domain.Role `json:"roles"`
}

func (c credentialClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return roundDate(c.ExpiresAt), nil
}

func (c credentialClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return roundDate(c.IssuedAt), nil
}

func (c credentialClaims) GetNotBefore() (*jwt.NumericDate, error) {
	return roundDate(c.NotBefore), nil
}

// roundDate undoes float decoding error on a NumericDate.
func roundDate(d *jwt.NumericDate) *jwt.NumericDate {
	if d == nil {
		return nil
	}
	return &jwt.NumericDate{Time: d.Time.Round(claimPrecision)}
}

// TokenService signs and validates HS256 bearer credentials. It holds no
// mutable state and is safe for concurrent use.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewTokenService validates cfg and returns a ready TokenService. A missing,
// blank or short secret yields a *domain.ConfigError.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if strings.TrimSpace(string(cfg.Secret)) == "" {
		return nil, domain.NewConfigError("token_service", errors.New("signing secret is required"))
	}
	if len(cfg.Secret) < MinSecretLength {
		return nil, domain.NewConfigError("token_service",
			fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretLength, len(cfg.Secret)))
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &TokenService{secret: secret, ttl: ttl, issuer: issuer}, nil
}

// TTL returns the credential lifetime.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// ExpiresAt is the expiry Issue would stamp on a credential minted at now.
func (s *TokenService) ExpiresAt(now time.Time) time.Time {
	return now.UTC().Truncate(claimPrecision).Add(s.ttl)
}

// Issue signs a credential for accountID valid over [now, now+TTL). Times are
// kept to the millisecond.
func (s *TokenService) Issue(accountID string, roles []domain.Role, now time.Time) (string, error) {
	if accountID == "" {
		return "", errors.New("issue token: account id is required")
	}

	issuedAt := now.UTC().Truncate(claimPrecision)
	claims := credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt(issuedAt)),
			ID:        uuid.NewString(),
		},
		Roles: append([]domain.Role(nil), roles...),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return signed, nil
}

// Validate checks the signature, algorithm, issuer and time window of token
// as of now. Every failure wraps domain.ErrInvalidCredential.
func (s *TokenService) Validate(token string, now time.Time) (*domain.Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", domain.ErrInvalidCredential)
	}

	claims := &credentialClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidCredential, rejectReason(err))
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrInvalidCredential)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", domain.ErrInvalidCredential)
	}
	issuedAt, _ := claims.GetIssuedAt()
	if issuedAt == nil {
		return nil, fmt.Errorf("%w: missing issue time", domain.ErrInvalidCredential)
	}
	expiresAt, _ := claims.GetExpirationTime()
	for _, r := range claims.Roles {
		if !r.IsValid() {
			return nil, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidCredential, r)
		}
	}

	return &domain.Principal{
		AccountID: claims.Subject,
		Roles:     claims.Roles,
		IssuedAt:  issuedAt.Time,
		ExpiresAt: expiresAt.Time,
	}, nil
}

// rejectReason maps jwt errors to a short, stable reason string.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "not yet valid"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer mismatch"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing claim"
	default:
		return "invalid token"
	}
}
