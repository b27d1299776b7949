// Package auth verifies bearer tokens. Each role has its own verification
// strategy; a token is only ever checked against the strategy of the role
// the caller claims to act as.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrBadAuthScheme = errors.New("token must be 'Bearer <token>'")
	ErrUnknownRole   = errors.New("unknown role")
)

// Identity is who a verified caller is.
type Identity struct {
	UserID string
	Role   models.Role
}

// Claims is the token payload. The subject is the user id.
type Claims struct {
	Role models.Role `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

var _ jwtlib.Claims = (*Claims)(nil)

// Strategy verifies a raw token for one role.
type Strategy interface {
	Verify(token string) (*Claims, error)
}

// HMACStrategy checks HS256 tokens against a shared secret.
type HMACStrategy struct {
	secret []byte
	parser *jwtlib.Parser
}

func NewHMACStrategy(secret string) *HMACStrategy {
	return &HMACStrategy{
		secret: []byte(secret),
		parser: jwtlib.NewParser(jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()})),
	}
}

func (h *HMACStrategy) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	t, err := h.parser.ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return h.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type Verifier struct {
	strategies map[models.Role]Strategy
}

// NewVerifier builds an HMAC strategy for every role that has a secret.
// Roles without one cannot authenticate.
func NewVerifier(secrets map[models.Role]string) *Verifier {
	v := &Verifier{strategies: make(map[models.Role]Strategy, len(secrets))}
	for role, secret := range secrets {
		if role.Valid() && secret != "" {
			v.strategies[role] = NewHMACStrategy(secret)
		}
	}
	return v
}

// Use installs a strategy for role, replacing any existing one.
func (v *Verifier) Use(role models.Role, s Strategy) { v.strategies[role] = s }

// Verify checks a "Bearer <token>" credential for the declared role.
func (v *Verifier) Verify(bearer string, role models.Role) (Identity, error) {
	token, err := stripBearer(bearer)
	if err != nil {
		return Identity{}, err
	}
	strategy, ok := v.strategies[role]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %w %q", ErrUnauthorized, ErrUnknownRole, role)
	}
	claims, err := strategy.Verify(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	if claims.Role != "" && claims.Role != role {
		return Identity{}, fmt.Errorf("%w: token role %q does not match %q", ErrUnauthorized, claims.Role, role)
	}
	return Identity{UserID: claims.Subject, Role: role}, nil
}

// FromRequest authenticates an HTTP request. The role comes from the
// X-User-Role header, falling back to the token's unverified role claim to
// pick a strategy; the signature check then decides.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Identity{}, fmt.Errorf("%w: authorization header missing", ErrUnauthorized)
	}
	role := models.Role(strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Role"))))
	if role == "" {
		token, err := stripBearer(header)
		if err != nil {
			return Identity{}, err
		}
		claims := &Claims{}
		if _, _, err := jwtlib.NewParser().ParseUnverified(token, claims); err != nil {
			return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		role = claims.Role
	}
	return v.Verify(header, role)
}

func stripBearer(v string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, ErrBadAuthScheme)
	}
	return strings.TrimSpace(token), nil
}

// SignHMAC issues an HS256 token. Token issuance belongs to the identity
// service; this exists for local tooling and tests.
func SignHMAC(secret, userID string, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
