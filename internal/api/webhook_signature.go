package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the gateway signature in the form "t=<unix>,v1=<hex>"
const SignatureHeader = "X-Signature"

// Signature verification failures
var (
	ErrSignatureMissing   = stderrors.New("signature header missing")
	ErrSignatureMalformed = stderrors.New("signature header malformed")
	ErrSignatureStale     = stderrors.New("signature timestamp outside tolerance")
	ErrSignatureMismatch  = stderrors.New("signature mismatch")
)

// SignPayload computes the v1 signature of body at the given unix timestamp
func SignPayload(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue formats a complete header value for body
func SignatureHeaderValue(secret string, timestamp int64, body []byte) string {
	return "t=" + strconv.FormatInt(timestamp, 10) + ",v1=" + SignPayload(secret, timestamp, body)
}

// VerifySignature checks header against body. Several v1 entries may be present
// while the gateway rotates secrets; any match is accepted.
func VerifySignature(header string, body []byte, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return ErrSignatureMissing
	}

	var (
		timestamp int64
		haveTS    bool
		sigs      []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrSignatureMalformed
			}
			timestamp, haveTS = ts, true
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if !haveTS || len(sigs) == 0 {
		return ErrSignatureMalformed
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age < 0 {
			age = -age
		}
		if age > tolerance {
			return ErrSignatureStale
		}
	}

	expected := []byte(SignPayload(secret, timestamp, body))
	for _, sig := range sigs {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}
