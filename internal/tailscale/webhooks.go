// Package tailscale provides Tailscale webhook signature validation.
package tailscale

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// SignatureHeader carries "t=<unix seconds>,v1=<hex HMAC-SHA256>".
	SignatureHeader = "Tailscale-Webhook-Signature"

	// MaxTimestampSkew is the freshness window in either direction.
	MaxTimestampSkew = 5 * time.Minute
)

var (
	ErrMissingSignatureHeader = errors.New("missing signature header")
	ErrMissingTimestamp       = errors.New("signature header has no timestamp")
	ErrMissingSignature       = errors.New("signature header has no v1 signature")
	ErrInvalidTimestamp       = errors.New("invalid signature timestamp")
	ErrStaleTimestamp         = errors.New("signature timestamp outside freshness window")
	ErrEmptySecret            = errors.New("webhook secret is empty")
	ErrMalformedHexSignature  = errors.New("signature is not valid hex")
	ErrSignatureMismatch      = errors.New("signature verification failed")
)

// Result is the verdict for one delivery. Body is always set, even when OK is false.
type Result struct {
	OK        bool
	Body      string
	Timestamp time.Time
	Reason    error
}

// SplitHeader parses a comma separated list of key=value pairs.
// Segments without "=" are dropped and later keys overwrite earlier ones.
func SplitHeader(header string) map[string]string {
	result := map[string]string{}
	for _, segment := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		result[key] = value
	}
	return result
}

// SigningInput returns the exact string the sender signs: "{t}.{body}".
func SigningInput(timestamp, body string) string {
	return timestamp + "." + body
}

// DecodeSignature decodes a hex signature, rejecting odd lengths and non-hex characters.
func DecodeSignature(sigHex string) ([]byte, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHexSignature, err)
	}
	return sig, nil
}

// ComputeSignature returns HMAC-SHA256(secret, toSign).
func ComputeSignature(toSign, secretKey string) []byte {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(toSign))
	return mac.Sum(nil)
}

// VerifyMAC recomputes the MAC for toSign and compares it with sig using hmac.Equal.
func VerifyMAC(toSign string, sig []byte, secretKey string) bool {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(toSign))
	return hmac.Equal(mac.Sum(nil), sig)
}

// VerifySignature checks serverSigHex against toSign and reports why it failed.
// Both the MAC verify and a separate constant time compare must pass.
func VerifySignature(toSign, serverSigHex, secretKey string) error {
	if secretKey == "" {
		return ErrEmptySecret
	}

	expected := ComputeSignature(toSign, secretKey)

	serverSig, err := DecodeSignature(serverSigHex)
	if err != nil {
		return err
	}

	if !VerifyMAC(toSign, serverSig, secretKey) {
		return ErrSignatureMismatch
	}
	if subtle.ConstantTimeCompare(expected, serverSig) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// ValidateSignature reports whether serverSigHex is a valid signature of toSign.
func ValidateSignature(toSign, serverSigHex, secretKey string) bool {
	return VerifySignature(toSign, serverSigHex, secretKey) == nil
}

// Sign returns the lowercase hex v1 signature for body at timestamp t.
func Sign(body, secretKey string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return hex.EncodeToString(ComputeSignature(SigningInput(ts, body), secretKey))
}

// SignatureHeaderValue produces a Tailscale-Webhook-Signature header value.
func SignatureHeaderValue(body, secretKey string, t time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", t.Unix(), Sign(body, secretKey, t))
}

// Verifier validates deliveries against a clock.
type Verifier struct {
	now     func() time.Time
	maxSkew time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source used for the freshness check.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier returns a Verifier using the system clock and a five minute window.
// A Verifier holds no mutable state and is safe for concurrent use.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		now:     time.Now,
		maxSkew: MaxTimestampSkew,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var defaultVerifier = NewVerifier()

// Validate verifies r with the system clock. See Verifier.Validate.
func Validate(r *http.Request, secretKey string) (Result, error) {
	return defaultVerifier.Validate(r, secretKey)
}

// Validate reads the request body exactly once and verifies its signature.
// Rejections are reported through Result; the error is only set when the body
// cannot be read.
func (v *Verifier) Validate(r *http.Request, secretKey string) (Result, error) {
	header, present := lookupHeader(r.Header, SignatureHeader)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return Result{Body: string(payload)}, fmt.Errorf("failed to read request body: %w", err)
	}
	body := string(payload)

	if !present {
		return Result{Body: body, Reason: ErrMissingSignatureHeader}, nil
	}

	return v.ValidateBody(header, body, secretKey), nil
}

// ValidateBody verifies an already read body against a signature header value.
func (v *Verifier) ValidateBody(header, body, secretKey string) Result {
	fields := SplitHeader(header)

	t, ok := fields["t"]
	if !ok {
		return Result{Body: body, Reason: ErrMissingTimestamp}
	}
	v1, ok := fields["v1"]
	if !ok {
		return Result{Body: body, Reason: ErrMissingSignature}
	}

	seconds, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return Result{Body: body, Reason: fmt.Errorf("%w: %q", ErrInvalidTimestamp, t)}
	}
	signedAt := time.Unix(seconds, 0)

	if !v.fresh(signedAt) {
		return Result{Body: body, Timestamp: signedAt, Reason: ErrStaleTimestamp}
	}

	if err := VerifySignature(SigningInput(t, body), v1, secretKey); err != nil {
		return Result{Body: body, Timestamp: signedAt, Reason: err}
	}

	return Result{OK: true, Body: body, Timestamp: signedAt}
}

func (v *Verifier) fresh(signedAt time.Time) bool {
	now := v.now()
	return now.Sub(signedAt) <= v.maxSkew && signedAt.Sub(now) <= v.maxSkew
}

// lookupHeader distinguishes an absent header from one sent with an empty value.
func lookupHeader(h http.Header, name string) (string, bool) {
	values, ok := h[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}
