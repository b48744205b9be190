package token

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"wander/cmd/identity/ids"
)

const (
	// SecretEnvKey is the env var name for the JWT signing secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	SecretEnvKey = "WANDER_JWT_SECRET"

	// MinKeyBytes is the minimum accepted signing key size.
	MinKeyBytes = 32

	// DefaultIssuer is stamped into tokens minted by Issue.
	DefaultIssuer = "wander"

	// DefaultTTL bounds token lifetime.
	DefaultTTL = 24 * time.Hour
)

// Claims is the JWT payload. Subject is the user id.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Identity is the verified caller extracted from a token.
type Identity struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// Manager signs and verifies HS256 session tokens.
type Manager struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithIssuer overrides DefaultIssuer.
func WithIssuer(iss string) Option {
	return func(m *Manager) {
		if s := strings.TrimSpace(iss); s != "" {
			m.issuer = s
		}
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock sets the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a Manager. The key must be at least minBytes long; pass 0 to skip
// the check (dev only).
func NewManager(key []byte, minBytes int, opts ...Option) (*Manager, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	if minBytes > 0 && len(key) < minBytes {
		return nil, ErrKeyTooShort
	}
	m := &Manager{
		key:    append([]byte(nil), key...),
		issuer: DefaultIssuer,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// KeyFromEnv returns the configured signing key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrKeyMissing.
// If too short -> ErrKeyTooShort.
func KeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(SecretEnvKey))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	return b, nil
}

// Issue mints a token for userID with a fresh session id.
func (m *Manager) Issue(userID string) (string, Identity, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", Identity{}, errors.New("token: empty user id")
	}

	now := m.now().UTC()
	sid, err := ids.NewULID(now)
	if err != nil {
		return "", Identity{}, fmt.Errorf("token: session id: %w", err)
	}
	exp := now.Add(m.ttl)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	ss, err := tok.SignedString(m.key)
	if err != nil {
		return "", Identity{}, fmt.Errorf("token: sign: %w", err)
	}
	return ss, Identity{UserID: userID, SessionID: sid, ExpiresAt: exp.Truncate(time.Second)}, nil
}

// Verify parses and validates a token. Every failure maps to ErrInvalidToken (wrapped).
func (m *Manager) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return Identity{}, ErrInvalidToken
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	id := Identity{UserID: sub, SessionID: claims.SessionID}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return id, nil
}

// FromAuthorization extracts a bearer token from an Authorization header value.
func FromAuthorization(header string) string {
	header = strings.TrimSpace(header)
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(rest)
}
