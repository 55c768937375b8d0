package twitch

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

const signaturePrefix = "sha256="

// Signature computes the EventSub signature header value for a message:
// "sha256=" followed by the lowercase hex HMAC-SHA256 of id, timestamp and body.
func Signature(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether provided matches the expected signature.
// Missing headers or a length mismatch yield false.
func VerifySignature(secret, messageID, timestamp string, body []byte, provided string) bool {
	if messageID == "" || timestamp == "" || provided == "" {
		return false
	}
	expected := Signature(secret, messageID, timestamp, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
