package app

import (
	"crypto/rand"
	"errors"
	"fmt"

	"wander/cmd/security/token"
)

// newTokenManager enforces the signing key policy at startup.
//
// A missing or short WANDER_JWT_SECRET is fatal. With WANDER_DEV_INSECURE_AUTH=true a
// missing key is replaced by a random one, so tokens do not survive a restart.
func newTokenManager(cfg Config, log Logger) (*token.Manager, error) {
	opts := []token.Option{token.WithIssuer(cfg.TokenIssuer)}

	key, err := token.KeyFromEnv(token.MinKeyBytes)
	switch {
	case err == nil:
		return token.NewManager(key, token.MinKeyBytes, opts...)
	case errors.Is(err, token.ErrKeyMissing) && cfg.DevInsecureAuth:
		key = make([]byte, token.MinKeyBytes)
		if _, rerr := rand.Read(key); rerr != nil {
			return nil, fmt.Errorf("security policy: generate dev signing key: %w", rerr)
		}
		log.Warn("security.dev_insecure_auth", "detail", "random signing key, tokens reset on restart")
		return token.NewManager(key, token.MinKeyBytes, opts...)
	case errors.Is(err, token.ErrKeyMissing):
		return nil, fmt.Errorf("security policy: %s is missing (set WANDER_DEV_INSECURE_AUTH=true for local runs)", token.SecretEnvKey)
	case errors.Is(err, token.ErrKeyTooShort):
		return nil, fmt.Errorf("security policy: %s is too short (min %d bytes)", token.SecretEnvKey, token.MinKeyBytes)
	default:
		return nil, err
	}
}
