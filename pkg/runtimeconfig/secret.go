package runtimeconfig

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// placeholderSecrets are values shipped in sample configs. They are rejected
// outright.
var placeholderSecrets = map[string]bool{
	"changeme":         true,
	"change-me":        true,
	"change_me":        true,
	"secret":           true,
	"default":          true,
	"placeholder":      true,
	"password":         true,
	"your-secret-here": true,
	"your_secret_here": true,
	"insecure":         true,
	"xxx":              true,
}

var (
	ephemeralOnce     sync.Once
	ephemeralValue    string
	ephemeralWarnings atomic.Int32
)

// IsPlaceholderSecret reports whether secret is a known sample value
func IsPlaceholderSecret(secret string) bool {
	return placeholderSecrets[strings.ToLower(strings.TrimSpace(secret))]
}

// EphemeralSecret returns the process-lifetime random secret, generating it
// and logging a warning on first use.
func EphemeralSecret() string {
	ephemeralOnce.Do(func() {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("runtimeconfig: reading random secret: %v", err))
		}
		ephemeralValue = hex.EncodeToString(buf)
		ephemeralWarnings.Add(1)
		log.Warn().
			Str("component", "runtimeconfig").
			Msg("No checkpoint secret configured; using an ephemeral secret. Checkpoint tokens will not survive a restart")
	})
	return ephemeralValue
}

func resolveSecret(secret string) (string, bool, error) {
	if secret == "" {
		return EphemeralSecret(), true, nil
	}
	if IsPlaceholderSecret(secret) {
		return "", false, fmt.Errorf("%w: checkpoint secret is a placeholder value", ErrInsecureConfig)
	}
	return secret, false, nil
}
