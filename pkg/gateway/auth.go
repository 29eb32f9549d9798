package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const maxAuthAttempts = 3

// AuthHandler runs the optional HMAC challenge-response handshake used when
// the storefront embeds the panel behind a shared secret.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether clients must authenticate.
func (a *AuthHandler) Enabled() bool {
	return a != nil && a.sharedSecret != ""
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the hex HMAC-SHA256 of challenge under the shared secret.
func (a *AuthHandler) Sign(challenge string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.Sign(challenge)), []byte(signature)) == 1
}

// IssueChallenge stores a fresh challenge on the client.
func (a *AuthHandler) IssueChallenge(client *Client) (AuthChallenge, error) {
	challenge, err := a.GenerateChallenge()
	if err != nil {
		return AuthChallenge{}, err
	}

	client.mu.Lock()
	client.challenge = challenge
	client.state = StateAuthenticating
	client.mu.Unlock()

	return AuthChallenge{Event: "auth.challenge", Challenge: challenge}, nil
}

// HandleAuthResponse processes an authentication response from a client.
// The second result is true once the client should be disconnected.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) (AuthResult, bool) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge found"}, false
	}

	if !a.VerifySignature(client.challenge, signature) {
		client.authAttempts++
		if client.authAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}, true
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}, false
	}

	client.authenticated = true
	client.state = StateAuthenticated
	client.authAttempts = 0
	client.challenge = ""

	return AuthResult{Event: "auth.success", Success: true}, false
}

// admit marks a client authenticated without a handshake.
func admit(client *Client) {
	client.mu.Lock()
	client.authenticated = true
	client.state = StateAuthenticated
	client.mu.Unlock()
}
