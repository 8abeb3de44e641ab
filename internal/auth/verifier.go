// Package auth resolves the caller of an HTTP request into a Principal.
// Modes: dev (unsigned role:subject tokens or headers), hmac (HS256) and
// jwks (RS256 with keys fetched from the issuer).
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/rs/zerolog/log"
)

const (
	RoleAdmin  = "admin"
	RoleDriver = "driver"
	RoleViewer = "viewer"
)

var ErrUnauthorized = errors.New("unauthorized")

type Principal struct {
	Role    string
	Subject string // driver id for drivers
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanDrive reports whether the principal may post stop events for a trip.
func (p Principal) CanDrive() bool { return p.Role == RoleAdmin || p.Role == RoleDriver }

// Claims are the custom token claims beyond the registered ones.
type Claims struct {
	Role string `json:"role"`
}

func (c *Claims) Validate(context.Context) error {
	switch strings.ToLower(c.Role) {
	case "", RoleAdmin, RoleDriver, RoleViewer:
		return nil
	}
	return fmt.Errorf("unknown role %q", c.Role)
}

type Verifier struct {
	mode string
	jwt  *validator.Validator
}

// NewVerifier builds a verifier for mode. hmac needs secret; hmac and jwks
// check issuer and audience.
func NewVerifier(mode, secret, issuer, audience string) (*Verifier, error) {
	v := &Verifier{mode: strings.ToLower(strings.TrimSpace(mode))}
	if v.mode == "" {
		v.mode = "dev"
	}
	var (
		keyFunc func(context.Context) (interface{}, error)
		alg     validator.SignatureAlgorithm
	)
	switch v.mode {
	case "dev":
		return v, nil
	case "hmac":
		if secret == "" {
			return nil, errors.New("hmac auth requires a secret")
		}
		key := []byte(secret)
		keyFunc = func(context.Context) (interface{}, error) { return key, nil }
		alg = validator.HS256
	case "jwks":
		u, err := url.Parse(issuer)
		if err != nil {
			return nil, fmt.Errorf("parse issuer url: %w", err)
		}
		keyFunc = jwks.NewCachingProvider(u, 5*time.Minute).KeyFunc
		alg = validator.RS256
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}

	jv, err := validator.New(
		keyFunc,
		alg,
		issuer,
		[]string{audience},
		validator.WithCustomClaims(func() validator.CustomClaims { return &Claims{} }),
		validator.WithAllowedClockSkew(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("jwt validator: %w", err)
	}
	v.jwt = jv
	return v, nil
}

func (v *Verifier) Mode() string { return v.mode }

// Verify checks a bearer token and returns its principal.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	if v.jwt == nil {
		role, sub, ok := strings.Cut(token, ":")
		if !ok || role == "" {
			return Principal{}, fmt.Errorf("%w: dev token must be role:subject", ErrUnauthorized)
		}
		return Principal{Role: strings.ToLower(role), Subject: sub}, nil
	}
	claims, err := v.jwt.ValidateToken(ctx, token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return principalFromClaims(claims), nil
}

func principalFromClaims(raw interface{}) Principal {
	vc, ok := raw.(*validator.ValidatedClaims)
	if !ok {
		return Principal{Role: RoleViewer}
	}
	p := Principal{Role: RoleViewer, Subject: vc.RegisteredClaims.Subject}
	if c, ok := vc.CustomClaims.(*Claims); ok && c.Role != "" {
		p.Role = strings.ToLower(c.Role)
	}
	return p
}

type ctxKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by Middleware. A request that never
// passed through it is treated as a viewer.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(ctxKey{}).(Principal); ok {
		return p
	}
	return Principal{Role: RoleViewer}
}

// Middleware attaches the caller's Principal to the request context. In dev
// mode a missing token falls back to the X-Role and X-Driver-Id headers
// (admin when absent); in the signed modes a valid token is required and
// failures write onUnauthorized.
func (v *Verifier) Middleware(onUnauthorized func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	if v.jwt == nil {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p, err := v.devPrincipal(r)
				if err != nil {
					onUnauthorized(w, r, err)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			})
		}
	}
	mw := jwtmiddleware.New(
		v.jwt.ValidateToken,
		// browsers cannot set headers on EventSource or websocket requests
		jwtmiddleware.WithTokenExtractor(jwtmiddleware.MultiTokenExtractor(
			jwtmiddleware.AuthHeaderTokenExtractor,
			jwtmiddleware.ParameterTokenExtractor("access_token"),
		)),
		jwtmiddleware.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected bearer token")
			onUnauthorized(w, r, fmt.Errorf("%w: %v", ErrUnauthorized, err))
		}),
	)
	return func(next http.Handler) http.Handler {
		return mw.CheckJWT(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFromClaims(r.Context().Value(jwtmiddleware.ContextKey{}))
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		}))
	}
}

func (v *Verifier) devPrincipal(r *http.Request) (Principal, error) {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return v.Verify(r.Context(), strings.TrimSpace(authz[7:]))
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return v.Verify(r.Context(), tok)
	}
	role := strings.ToLower(r.Header.Get("X-Role"))
	if role == "" {
		role = RoleAdmin
	}
	return Principal{Role: role, Subject: r.Header.Get("X-Driver-Id")}, nil
}
