package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTimestamp      = "X-Leadflow-Timestamp"
	HeaderSignature      = "X-Leadflow-Signature"
	HeaderAttempt        = "X-Leadflow-Attempt"
	HeaderIdempotencyKey = "Idempotency-Key"

	signaturePrefix = "sha256="
)

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign in constant time.
func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// IdempotencyKey identifies one attempt of one trigger.
func IdempotencyKey(trigger string, attemptNo int) string {
	return trigger + "#" + strconv.Itoa(attemptNo)
}

func applyHeaders(req *http.Request, cfg SourceConfig, userAgent, trigger string, attemptNo int, body []byte, now time.Time) {
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	req.Header.Set(HeaderAttempt, strconv.Itoa(attemptNo))
	req.Header.Set(HeaderIdempotencyKey, IdempotencyKey(trigger, attemptNo))

	if cfg.Secret == "" {
		return
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(cfg.Secret, ts, body))
}
