package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrSignatureExpired   = errors.New("signature timestamp outside tolerance")
)

// Sign returns the signature header value for payload sent at ts:
// "t=<unix seconds>,sha256=<hex hmac of "<t>.<payload>">".
func Sign(payload []byte, secret string, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",sha256=" + computeHMAC(unix, payload, secret)
}

func computeHMAC(unix string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(unix))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a header produced by Sign. A zero tolerance disables the age check.
func Verify(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	var unix, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrMalformedSignature
		}
		switch k {
		case "t":
			unix = v
		case "sha256":
			sig = v
		}
	}
	if unix == "" || sig == "" {
		return ErrMalformedSignature
	}
	secs, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(secs, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}
	if !hmac.Equal([]byte(sig), []byte(computeHMAC(unix, payload, secret))) {
		return ErrSignatureMismatch
	}
	return nil
}

// GenerateSecret returns a random signing secret with a "whsec_" prefix.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return "whsec_" + base64.URLEncoding.EncodeToString(b), nil
}
