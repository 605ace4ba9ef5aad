package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HMACSign returns the lowercase hex HMAC-SHA256 of message under secret.
func HMACSign(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACVerify reports whether sig is the HMAC-SHA256 of message under secret.
// The comparison runs in constant time.
func HMACVerify(secret, message []byte, sig string) bool {
	if len(secret) == 0 || sig == "" {
		return false
	}
	expected := HMACSign(secret, message)
	return hmac.Equal([]byte(expected), []byte(sig))
}
