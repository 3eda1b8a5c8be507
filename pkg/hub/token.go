package hub

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// mintToken binds a card to its kind and expiry under the hub secret:
// card_id.expires_at.mac. A forwarded token cannot be retargeted at another
// card, another kind, or a later expiry.
func mintToken(secret []byte, cardID, kind string, expiresAt int64) string {
	mac := hmacHex(secret, fmt.Sprintf("%s|%s|%d", cardID, kind, expiresAt))
	return fmt.Sprintf("%s.%d.%s", cardID, expiresAt, mac)
}

// SignCallback computes the signature a caller presents in X-Signature:
// hex HMAC-SHA256 over card_id|action|ts under the shared deployment
// secret. ts is epoch milliseconds, the unit every stored timestamp uses.
func SignCallback(secret []byte, cardID, action string, ts int64) string {
	return hmacHex(secret, fmt.Sprintf("%s|%s|%d", cardID, action, ts))
}

func verifySignature(secret []byte, cardID, action string, ts int64, signature string) bool {
	want := SignCallback(secret, cardID, action, ts)
	return hmac.Equal([]byte(want), []byte(signature))
}

func hmacHex(secret []byte, msg string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// newSecret covers deployments that never configured one. Tokens minted
// under it do not survive a restart.
func newSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("hub: entropy unavailable: " + err.Error())
	}
	return buf
}
