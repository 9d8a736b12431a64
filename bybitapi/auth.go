package bybitapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// wsAuthWindow is how far in the future the auth expiry is stamped. The
// exchange rejects frames whose expiry has already passed, so the window
// only needs to cover the round trip.
const wsAuthWindow = 60 * time.Second

// WSSignature computes the private-stream auth signature for the given
// expiry: HMAC-SHA256 over "GET/realtime{expires_ms}", hex encoded.
func WSSignature(secret string, expiresMs int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "GET/realtime%d", expiresMs)
	return hex.EncodeToString(mac.Sum(nil))
}

// WSAuthArgs builds the args payload of a private-stream auth frame.
func WSAuthArgs(apiKey, secret string, now time.Time) []interface{} {
	expires := now.Add(wsAuthWindow).UnixMilli()
	return []interface{}{apiKey, expires, WSSignature(secret, expires)}
}
