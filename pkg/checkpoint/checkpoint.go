// Package checkpoint issues and verifies opaque resumability tokens.
//
// A token is an HS256 JWT whose claims carry the fingerprint of the runtime
// configuration that produced it and a msgpack-encoded (optionally zstd
// compressed) payload. A token only verifies against the same fingerprint.
package checkpoint

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	issuer         = "agentloop"
	maxPayloadSize = 16 << 20
)

var (
	// ErrMalformed is returned for tokens that cannot be parsed or decoded
	ErrMalformed = errors.New("checkpoint token malformed")
	// ErrInvalidSignature is returned when the token was not signed with our secret
	ErrInvalidSignature = errors.New("checkpoint token signature invalid")
	// ErrExpired is returned once the token TTL has passed
	ErrExpired = errors.New("checkpoint token expired")
	// ErrFingerprintMismatch is returned when the runtime config changed since issue
	ErrFingerprintMismatch = errors.New("checkpoint token fingerprint mismatch")
)

// Claims represents the token payload
type Claims struct {
	Fingerprint string `json:"fp"`
	RequestID   string `json:"rid"`
	Data        string `json:"d,omitempty"`
	Compressed  bool   `json:"z,omitempty"`
	jwt.RegisteredClaims
}

// Signer creates and verifies checkpoint tokens
type Signer struct {
	key      []byte
	ttl      time.Duration
	compress bool
}

// NewSigner derives the signing key from secret. A zero ttl issues tokens
// without expiry.
func NewSigner(secret string, ttl time.Duration, compress bool) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("checkpoint secret cannot be empty")
	}
	key := sha256.Sum256([]byte("agentloop/checkpoint:" + secret))
	return &Signer{key: key[:], ttl: ttl, compress: compress}, nil
}

// Issue encodes payload and binds it to fingerprint and requestID
func (s *Signer) Issue(fingerprint, requestID string, payload interface{}) (string, error) {
	data, compressed, err := s.encode(payload)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		Fingerprint: fingerprint,
		RequestID:   requestID,
		Data:        data,
		Compressed:  compressed,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   issuer,
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign checkpoint: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature, expiry and fingerprint, then decodes
// the payload into out (which may be nil).
func (s *Signer) Verify(tokenString, fingerprint string, out interface{}) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithIssuer(issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformed
	}
	if claims.Fingerprint != fingerprint {
		return claims, ErrFingerprintMismatch
	}

	if out != nil && claims.Data != "" {
		if err := decode(claims.Data, claims.Compressed, out); err != nil {
			return claims, err
		}
	}
	return claims, nil
}

func (s *Signer) encode(payload interface{}) (string, bool, error) {
	if payload == nil {
		return "", false, nil
	}
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode checkpoint payload: %w", err)
	}

	compressed := false
	if s.compress {
		raw = encoder().EncodeAll(raw, nil)
		compressed = true
	}
	return base64.RawURLEncoding.EncodeToString(raw), compressed, nil
}

func decode(data string, compressed bool, out interface{}) error {
	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if compressed {
		raw, err = decoder().DecodeAll(raw, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func initZstd() {
	zstdOnce.Do(func() {
		var err error
		zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			panic(fmt.Sprintf("checkpoint: zstd encoder: %v", err))
		}
		zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
		if err != nil {
			panic(fmt.Sprintf("checkpoint: zstd decoder: %v", err))
		}
	})
}

func encoder() *zstd.Encoder {
	initZstd()
	return zstdEnc
}

func decoder() *zstd.Decoder {
	initZstd()
	return zstdDec
}
