package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

// Canonicalize renders payload as JSON with object keys sorted at every
// depth. These are the exact bytes that get signed and sent.
func Canonicalize(payload any) ([]byte, error) {
	raw, ok := payload.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}

	// encoding/json sorts map keys, so re-marshalling the generic form is canonical.
	return json.Marshal(generic)
}

// Sign returns "sha256=<hex>" of the HMAC-SHA256 of the canonical payload.
func Sign(payload any, secret string) (string, error) {
	body, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return SignBody(body, secret), nil
}

// SignBody signs bytes that are already canonical.
func SignBody(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the signature of payload and compares in constant time.
// Malformed payloads or signatures yield false.
func Verify(payload any, signature, secret string) bool {
	body, err := Canonicalize(payload)
	if err != nil {
		return false
	}
	return verifyBody(body, signature, secret)
}

// VerifyBody checks a signature against a received request body. The body is
// canonicalized first so receivers may pass it through as read.
func VerifyBody(body []byte, signature, secret string) bool {
	return Verify(body, signature, secret)
}

func verifyBody(body []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil || len(got) != sha256.Size {
		return false
	}

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hmac.Equal(got, h.Sum(nil))
}

// GenerateSecret returns a random 256-bit signing secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
