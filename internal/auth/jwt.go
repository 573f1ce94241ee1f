// Package auth implements the Auth Manager contract (spec §4.3):
// HS256 access tokens, rotating refresh tokens with a grace window,
// single-use handoff tokens, and mono-auth tokens for single-tenant
// mode.
//
// The teacher's internal/auth/jwt.go verifies tokens minted by an
// external identity provider via a remote JWKS endpoint
// (MicahParks/keyfunc + MicahParks/jwkset). This system mints its own
// tokens — there is no external issuer to fetch keys from — so that
// shape doesn't fit; only golang-jwt/jwt/v5's sign/verify surface is
// reused, for HS256 rather than the teacher's RS256-via-JWKS.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vibe80/orchestrator/internal/apierr"
)

const (
	issuer   = "vibe80-orchestrator"
	audience = "vibe80-workspace"
)

// accessClaims is the JWT claim set for a workspace access token.
type accessClaims struct {
	jwt.RegisteredClaims
}

// Signer mints and verifies HS256 access tokens.
type Signer struct {
	key     []byte
	ttl     time.Duration
}

// NewSigner builds a Signer from an explicit key, or loads/generates
// one at keyPath when key is empty (spec §4.3: "loaded from env or
// generated once at first boot to a root-owned file with mode 0600").
func NewSigner(key string, keyPath string, ttl time.Duration) (*Signer, error) {
	if key != "" {
		return &Signer{key: []byte(key), ttl: ttl}, nil
	}
	if keyPath == "" {
		return nil, fmt.Errorf("auth: no JWT_KEY and no JWT_KEY_PATH configured")
	}

	raw, err := loadOrGenerateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: signing key: %w", err)
	}
	return &Signer{key: raw, ttl: ttl}, nil
}

func loadOrGenerateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		decoded, derr := hex.DecodeString(string(data))
		if derr != nil {
			return nil, fmt.Errorf("decode existing key file %s: %w", path, derr)
		}
		return decoded, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	buf := make([]byte, 32)
	if _, rerr := rand.Read(buf); rerr != nil {
		return nil, fmt.Errorf("generate key: %w", rerr)
	}
	encoded := hex.EncodeToString(buf)

	if mkerr := os.MkdirAll(filepath.Dir(path), 0o700); mkerr != nil {
		return nil, fmt.Errorf("create key directory: %w", mkerr)
	}
	if werr := os.WriteFile(path, []byte(encoded), 0o600); werr != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, werr)
	}
	return buf, nil
}

// Mint issues a new access token for workspaceID.
func (s *Signer) Mint(workspaceID string) (string, error) {
	now := time.Now().UTC()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workspaceID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        newJTI(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

func newJTI() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand failed minting jti: %v", err))
	}
	return hex.EncodeToString(buf)
}

// Verify validates a bearer access token and returns its workspace id.
func (s *Signer) Verify(tokenString string) (string, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", apierr.New(apierr.WorkspaceTokenInvalid, 401, "access token is invalid or expired")
	}
	return claims.Subject, nil
}
