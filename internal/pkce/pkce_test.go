package pkce

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestChallengeMatchesRFCExample(t *testing.T) {
	// Verifier and challenge from RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := Challenge(verifier); got != want {
		t.Fatalf("Challenge(%q)=%q, want %q", verifier, got, want)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	verifiers := []string{
		"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk",
		"short-verifier",
		"another.verifier_with~allowed-chars0123456789",
	}
	for _, v := range verifiers {
		if !Verify(v, Challenge(v)) {
			t.Fatalf("Verify(%q, Challenge(%q)) = false", v, v)
		}
	}
}

func TestVerifyRejectsWrongVerifier(t *testing.T) {
	challenge := Challenge("verifier-one")
	if Verify("verifier-two", challenge) {
		t.Fatal("expected mismatching verifier to fail")
	}
	if Verify("", challenge) {
		t.Fatal("expected empty verifier to fail")
	}
	if Verify("verifier-one", "") {
		t.Fatal("expected empty challenge to fail")
	}
}

func TestVerifyRejectsPaddedChallenge(t *testing.T) {
	// A challenge produced with standard (padded) base64 must not validate.
	sum := sha256.Sum256([]byte("verifier-one"))
	padded := base64.URLEncoding.EncodeToString(sum[:])
	if Verify("verifier-one", padded) {
		t.Fatal("expected padded challenge encoding to fail")
	}
}

func TestValidMethod(t *testing.T) {
	if !ValidMethod("S256") {
		t.Fatal("S256 must be accepted")
	}
	for _, m := range []string{"plain", "s256", "", "none"} {
		if ValidMethod(m) {
			t.Fatalf("method %q must be rejected", m)
		}
	}
}
