// Package oauth implements the credential acquisition flows: PKCE with a
// local loopback callback, authorization-code with a cloud redirect, and
// device authorization polling.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCE holds one flow's verifier/challenge pair.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE mints a 96-byte verifier and its S256 challenge.
func GeneratePKCE() (PKCE, error) {
	b := make([]byte, 96)
	if _, err := rand.Read(b); err != nil {
		return PKCE{}, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(b)
	h := sha256.Sum256([]byte(verifier))
	return PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(h[:]),
	}, nil
}

// GenerateState mints the CSRF state parameter (32 bytes base64url).
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
