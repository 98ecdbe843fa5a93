package runtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/rebuttal/config"
	"github.com/mohammad-safakhou/rebuttal/internal/apperr"
	"github.com/mohammad-safakhou/rebuttal/models"
)

// Token tier claims. Anything other than guest is an account holder whose premium status
// is looked up separately.
const (
	ClaimTierGuest = "guest"
	ClaimTierUser  = "user"
)

// IdentityResolver extracts the caller's identity from a request.
type IdentityResolver interface {
	Resolve(r *http.Request) (models.Identity, bool)
}

// LoadJWTSecret resolves the shared JWT secret from config.
func LoadJWTSecret(cfg *config.Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if cfg.Server.JWTSecret == "" {
		return nil, errors.New("jwt secret not configured (server.jwt_secret)")
	}
	return []byte(cfg.Server.JWTSecret), nil
}

// SignJWT issues a signed token for subject. guest marks the token as a guest identity.
func SignJWT(subject string, guest bool, secret []byte, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	tier := ClaimTierUser
	if guest {
		tier = ClaimTierGuest
	}
	claims := jwt.MapClaims{
		"sub":  subject,
		"tier": tier,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// JWTResolver resolves identities from HS256 bearer tokens or the auth cookie.
type JWTResolver struct {
	Secret []byte
}

func (j JWTResolver) Resolve(r *http.Request) (models.Identity, bool) {
	tok := extractToken(r)
	if tok == "" {
		return models.Identity{}, false
	}
	parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) { return j.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return models.Identity{}, false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, false
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return models.Identity{}, false
	}
	tier, _ := claims["tier"].(string)
	return models.Identity{OwnerID: sub, Guest: tier == ClaimTierGuest}, true
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if ck, err := r.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}

type identityKey struct{}

// ContextWithIdentity stores id in ctx.
func ContextWithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by RequireIdentity.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	if ctx == nil {
		return models.Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(models.Identity)
	return id, ok
}

// RequireIdentity rejects requests without a resolvable identity and stores it on the
// request context otherwise.
func RequireIdentity(resolver IdentityResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := resolver.Resolve(c.Request())
			if !ok {
				return apperr.ErrAuthRequired
			}
			c.Set("owner_id", id.OwnerID)
			c.SetRequest(c.Request().WithContext(ContextWithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}
