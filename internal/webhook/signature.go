package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns hex(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats the signature header value.
func SignatureHeader(secret string, body []byte) string {
	return signaturePrefix + Sign(secret, body)
}

// Verify checks a signature header against body in constant time.
func Verify(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	got := strings.TrimPrefix(header, signaturePrefix)
	if got == "" {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
