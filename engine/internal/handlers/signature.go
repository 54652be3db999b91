package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// Slack and Zoom deliveries signed more than five minutes away from now are
// rejected as replays.
const maxSignatureSkew = 5 * time.Minute

var (
	errMissingSignature = errors.New("missing signature")
	errBadSignature     = errors.New("signature mismatch")
	errStaleTimestamp   = errors.New("request timestamp outside allowed window")
)

func hmacHex(secret string, parts ...[]byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func equalSignature(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}

// verifyJiraSignature checks an X-Hub-Signature header of the form
// "sha256=<hex>".
func verifyJiraSignature(secret, header string, body []byte) error {
	if header == "" {
		return errMissingSignature
	}
	algo, sig, ok := strings.Cut(header, "=")
	if !ok || algo != "sha256" {
		return errBadSignature
	}
	if !equalSignature(strings.ToLower(sig), hmacHex(secret, body)) {
		return errBadSignature
	}
	return nil
}

// v0Signature is the signature scheme shared by Zoom and Slack:
// "v0=" + hex(HMAC-SHA256(secret, "v0:" + timestamp + ":" + body)).
func v0Signature(secret, timestamp string, body []byte) string {
	return "v0=" + hmacHex(secret, []byte("v0:"+timestamp+":"), body)
}

func verifyV0Signature(secret, timestamp, header string, body []byte) error {
	if header == "" || timestamp == "" {
		return errMissingSignature
	}
	if !equalSignature(header, v0Signature(secret, timestamp, body)) {
		return errBadSignature
	}
	return nil
}

func checkTimestamp(timestamp string, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errStaleTimestamp
	}
	if math.Abs(float64(now.Unix()-ts)) > maxSignatureSkew.Seconds() {
		return errStaleTimestamp
	}
	return nil
}

// zoomEncryptedToken answers Zoom's endpoint URL validation.
func zoomEncryptedToken(secret, plainToken string) string {
	return hmacHex(secret, []byte(plainToken))
}
