package remote

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signDigest(t *testing.T, secret []byte, body []byte, override string) string {
	t.Helper()
	digest := override
	if digest == "" {
		digest = digestHex(body)
	}
	claims := jwt.MapClaims{
		"digest": digest,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestManifestVerifierAcceptsValidSignature(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"id":"p"}`)
	verifier := NewManifestVerifier(secret)

	sig := signDigest(t, secret, body, "")
	if err := verifier.Verify(body, sig); err != nil {
		t.Fatalf("expected a valid signature to verify, got %v", err)
	}
}

func TestManifestVerifierRejectsTamperedBody(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"id":"p"}`)
	verifier := NewManifestVerifier(secret)

	sig := signDigest(t, secret, body, "")
	if err := verifier.Verify([]byte(`{"id":"tampered"}`), sig); err == nil {
		t.Fatalf("expected digest mismatch on tampered body")
	}
}

func TestManifestVerifierRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"id":"p"}`)
	sig := signDigest(t, []byte("wrong-secret"), body, "")
	verifier := NewManifestVerifier([]byte("shared-secret"))

	if err := verifier.Verify(body, sig); err == nil {
		t.Fatalf("expected verification to fail for a signature from a different secret")
	}
}

func TestManifestVerifierRejectsMissingSignature(t *testing.T) {
	verifier := NewManifestVerifier([]byte("shared-secret"))
	if err := verifier.Verify([]byte(`{}`), ""); err == nil {
		t.Fatalf("expected an empty signature to be rejected")
	}
}
