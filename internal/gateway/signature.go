package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// SignPayload computes the callback signature for a payload at a given
// unix timestamp: hex(HMAC-SHA256(secret, "<ts>.<payload>")). The
// timestamp is bound into the signature so a captured callback cannot
// be replayed later.
func SignPayload(secret string, payload []byte, ts int64) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.", ts)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a callback signature and rejects timestamps
// outside maxSkew of now. Comparison is constant-time.
func VerifySignature(secret string, payload []byte, signature, timestamp string, maxSkew time.Duration, now time.Time) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}

	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > maxSkew {
		return false
	}

	expected := SignPayload(secret, payload, ts)
	return hmac.Equal([]byte(expected), []byte(signature))
}
