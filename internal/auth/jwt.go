package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims holds the JWT claims for an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
}

// SecretResolver supplies the JWT signing secret. A single resolver instance is shared between the REST middleware and
// the WebSocket handshake so the two paths can never validate against different secrets.
type SecretResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver resolves a secret fixed at startup.
type StaticResolver struct {
	secret string
}

// NewStaticResolver creates a resolver around a configured secret.
func NewStaticResolver(secret string) *StaticResolver {
	return &StaticResolver{secret: secret}
}

// Resolve returns the configured secret. An empty secret is a resolver failure, not an invalid token.
func (r *StaticResolver) Resolve(context.Context) (string, error) {
	if r.secret == "" {
		return "", ErrSecretUnavailable
	}
	return r.secret, nil
}

// NewAccessToken creates a signed JWT access token for the given subject. The issuer is embedded in the token and must
// be verified during validation. Retained for the dev issuer and the REST/WS parity test suite; production tokens come
// from the external issuer.
func NewAccessToken(subject, secret string, ttl time.Duration, issuer string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret must not be empty")
	}
	if issuer == "" {
		return "", fmt.Errorf("JWT issuer must not be empty")
	}

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return signed, nil
}

// cacheEntry is a validated token held until the earlier of the cache TTL and the token's own expiry.
type cacheEntry struct {
	claims  *AccessClaims
	expires time.Time
}

// Validator parses and validates bearer tokens, enforcing HMAC signing method and issuer claim. Validated tokens are
// cached by hash so repeated validation on the hot path skips signature verification.
type Validator struct {
	resolver SecretResolver
	issuer   string
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewValidator creates a validator around the process-wide secret resolver.
func NewValidator(resolver SecretResolver, issuer string, cacheTTL time.Duration) *Validator {
	return &Validator{
		resolver: resolver,
		issuer:   issuer,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

// Validate checks a token string and returns its claims. Errors are classified: ErrTokenMalformed for structural
// problems, ErrSecretUnavailable when the resolver fails (callers should retry with backoff rather than reject), and
// ErrTokenInvalid for everything else (bad signature, expiry, wrong issuer).
func (v *Validator) Validate(ctx context.Context, tokenStr string) (*AccessClaims, error) {
	if tokenStr == "" {
		return nil, ErrTokenInvalid
	}

	key := tokenHash(tokenStr)
	if claims, ok := v.cached(key); ok {
		return claims, nil
	}

	secret, err := v.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve signing secret: %w", err)
	}

	claims := &AccessClaims{}
	_, err = jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(v.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	v.store(key, claims)
	return claims, nil
}

// cached returns a previously validated, still-fresh entry.
func (v *Validator) cached(key string) (*AccessClaims, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.cache[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(v.cache, key)
		return nil, false
	}
	return entry.claims, true
}

// store caches claims until the earlier of the cache TTL and the token expiry.
func (v *Validator) store(key string, claims *AccessClaims) {
	expires := time.Now().Add(v.cacheTTL)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(expires) {
		expires = claims.ExpiresAt.Time
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[key] = cacheEntry{claims: claims, expires: expires}
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
