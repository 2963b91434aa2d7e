package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// MethodS256 is the only supported code challenge method. Clients asking for
// "plain" are rejected at the authorize step.
const MethodS256 = "S256"

// Challenge computes base64url(sha256(verifier)) without padding.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify recomputes the challenge from the presented verifier and compares it
// to the stored challenge in constant time.
func Verify(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := Challenge(verifier)
	if len(computed) != len(challenge) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidMethod reports whether the requested code_challenge_method is supported.
func ValidMethod(method string) bool {
	return strings.TrimSpace(method) == MethodS256
}
