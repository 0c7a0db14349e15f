package challenge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Admin requests to the remote responder are authenticated with a shared
// HMAC secret over a timestamped canonical string, so a captured request
// cannot be replayed outside the responder's clock-skew window.
const (
	HeaderTimestamp = "X-Renewd-Timestamp"
	HeaderSignature = "X-Renewd-Signature"

	AdminPublishPath = "/admin/http01"
)

// SignPublish computes the signature for a publish request. The canonical
// string is "{timestamp}.{token}.{key_authorization}.{ttl_secs}".
func SignPublish(secret string, timestamp int64, token, keyAuthorization string, ttlSecs uint64) string {
	payload := fmt.Sprintf("%d.%s.%s.%d", timestamp, token, keyAuthorization, ttlSecs)
	return signPayload(secret, payload)
}

// SignRetract computes the signature for a retract request over
// "{timestamp}.{token}".
func SignRetract(secret string, timestamp int64, token string) string {
	return signPayload(secret, fmt.Sprintf("%d.%s", timestamp, token))
}

func signPayload(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares a presented signature in constant time.
func VerifySignature(expected, presented string) bool {
	return hmac.Equal([]byte(expected), []byte(presented))
}
