package runtimeconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// FingerprintVersion prefixes the fingerprint input; bump it when the set of
// hashed fields changes.
const FingerprintVersion = "v1"

// Fingerprint returns a stable hex hash over the settings a checkpoint
// depends on. It ignores tool insertion order.
func (c *Config) Fingerprint() string {
	parts := []string{
		FingerprintVersion,
		c.Model,
		c.SystemPrompt,
		strconv.Itoa(c.MaxIterations),
		strconv.FormatInt(c.ToolExec.Timeout.Milliseconds(), 10),
		strconv.Itoa(c.ToolExec.MaxRetries),
		strconv.FormatInt(c.ToolExec.RetryBackoff.Milliseconds(), 10),
		strconv.Itoa(c.ToolExec.Concurrency),
		strings.Join(c.tools.Names(), ","),
	}

	h := sha256.New()
	for _, p := range parts {
		// length-prefix each field so "a|b" and "a" + "|b" cannot collide
		h.Write([]byte(strconv.Itoa(len(p))))
		h.Write([]byte{':'})
		h.Write([]byte(p))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
