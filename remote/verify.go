package remote

import (
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

// digestHex hashes body the same way cache.StructuralHash hashes a
// canonicalized config, so a signer and this verifier need agree only on
// "blake2b-256 of the raw bytes", not on a bespoke manifest digest scheme.
func digestHex(body []byte) string {
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ManifestVerifier checks a detached JWS (an HMAC-signed JWT whose "digest"
// claim carries the blake2b-256 hex digest of the manifest bytes) over a
// fetched manifest before
// NetworkLoader hands a constructor back to the loader. Recovered per
// SPEC_FULL.md section 4 as a natural extension of "remote module loading"
// given the teacher's direct golang-jwt/jwt/v5 dependency (sign/jwt.go);
// spec.md itself is silent on manifest authenticity.
type ManifestVerifier struct {
	keyFunc jwt.Keyfunc
}

// NewManifestVerifier builds a verifier trusting the given HMAC secret.
// Production deployments would instead resolve keyFunc per the issuer
// claim (e.g. against a JWKS), but the single-secret form matches the
// teacher's own sign/jwt.go, which signs with one shared secret.
func NewManifestVerifier(hmacSecret []byte) *ManifestVerifier {
	return &ManifestVerifier{
		keyFunc: func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return hmacSecret, nil
		},
	}
}

// Verify checks that signature is a valid, unexpired JWT over body's
// digest. The "detached" form carries the manifest's own hash in a custom
// "digest" claim rather than as the JWT's payload, so the manifest bytes
// travel once, over HTTP, not twice.
func (v *ManifestVerifier) Verify(body []byte, signature string) error {
	if signature == "" {
		return fmt.Errorf("manifest carries no X-Manifest-Signature header")
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(signature, claims, v.keyFunc, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return fmt.Errorf("parse manifest signature: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("manifest signature is invalid")
	}
	digest, ok := claims["digest"].(string)
	if !ok {
		return fmt.Errorf("manifest signature missing digest claim")
	}
	if digest != digestHex(body) {
		return fmt.Errorf("manifest digest mismatch")
	}
	return nil
}
