package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonicalBody is the signing form both sides must agree on:
// sorted object keys, no extra whitespace. Go's encoding/json already
// serializes map keys in sorted order and emits no padding, so a plain
// Marshal of a map[string]any produces it bit-exactly.
func canonicalBody(payload map[string]any) ([]byte, error) {
	return json.Marshal(payload)
}

// VerifySignature checks an HMAC-SHA256 signature of the form
// "sha256=<hex>" against payload canonicalized the same way the sender
// is expected to have canonicalized it, using constant-time comparison.
func VerifySignature(payload map[string]any, signature, secret string) bool {
	body, err := canonicalBody(payload)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the "sha256=<hex>" signature a caller would send — used
// by tests and by any in-process caller that needs to produce a valid
// signature for a payload it controls.
func Sign(payload map[string]any, secret string) (string, error) {
	body, err := canonicalBody(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}
