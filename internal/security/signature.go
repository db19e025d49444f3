package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const (
	// SignatureHeader is the header GitHub uses for the HMAC-SHA256 digest.
	SignatureHeader = "X-Hub-Signature-256"

	// SignaturePrefix precedes the hex digest in SignatureHeader.
	SignaturePrefix = "sha256="
)

// Sign returns the X-Hub-Signature-256 value for body under secret:
// "sha256=" followed by the lowercase hex HMAC-SHA256 digest.
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of the raw
// request body under secret.
//
// body must be the exact bytes read from the wire, before any decoding.
// An empty secret never verifies. Missing, malformed or wrong-length
// signatures are rejected before any byte comparison; equal-length values
// are compared in constant time.
func VerifySignature(body []byte, signature string, secret []byte) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}

	expected := Sign(body, secret)
	if len(signature) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
