package tailscale

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const testSecret = "test_secret"

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func TestSplitHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   map[string]string
	}{
		{
			name:   "timestamp and signature",
			header: "t=1663781880,v1=0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			want: map[string]string{
				"t":  "1663781880",
				"v1": "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			},
		},
		{
			name:   "empty header",
			header: "",
			want:   map[string]string{},
		},
		{
			name:   "segments without equals are dropped",
			header: "garbage,t=1,,v1=ab,more",
			want:   map[string]string{"t": "1", "v1": "ab"},
		},
		{
			name:   "splits on first equals only",
			header: "t=1,v1=abc==",
			want:   map[string]string{"t": "1", "v1": "abc=="},
		},
		{
			name:   "last duplicate wins",
			header: "t=1,t=2",
			want:   map[string]string{"t": "2"},
		},
		{
			name:   "extra pairs are kept",
			header: "t=1,v1=ab,v0=cd",
			want:   map[string]string{"t": "1", "v1": "ab", "v0": "cd"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := SplitHeader(tt.header)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("unexpected result: got=%v want=%v", got, tt.want)
			}
		})
	}
}

func TestValidateSignature_KnownVector(t *testing.T) {
	t.Parallel()

	if !ValidateSignature("hi there", "d4f6f042ffb3ed59cf023a75065ea6c543ec034e765130eb5249a7f0eb1692f6", "foobar") {
		t.Fatal("expected known signature to validate")
	}
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	const good = "d4f6f042ffb3ed59cf023a75065ea6c543ec034e765130eb5249a7f0eb1692f6"

	tests := []struct {
		name    string
		toSign  string
		sig     string
		secret  string
		wantErr error
	}{
		{name: "valid", toSign: "hi there", sig: good, secret: "foobar"},
		{name: "wrong secret", toSign: "hi there", sig: good, secret: "foobaz", wantErr: ErrSignatureMismatch},
		{name: "tampered message", toSign: "hi therE", sig: good, secret: "foobar", wantErr: ErrSignatureMismatch},
		{name: "uppercase hex decodes", toSign: "hi there", sig: strings.ToUpper(good), secret: "foobar"},
		{name: "odd length hex", toSign: "hi there", sig: good[1:], secret: "foobar", wantErr: ErrMalformedHexSignature},
		{name: "non hex characters", toSign: "hi there", sig: "zz" + good[2:], secret: "foobar", wantErr: ErrMalformedHexSignature},
		{name: "truncated signature", toSign: "hi there", sig: good[:32], secret: "foobar", wantErr: ErrSignatureMismatch},
		{name: "empty signature", toSign: "hi there", sig: "", secret: "foobar", wantErr: ErrSignatureMismatch},
		{name: "empty secret", toSign: "hi there", sig: good, secret: "", wantErr: ErrEmptySecret},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := VerifySignature(tt.toSign, tt.sig, tt.secret)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("unexpected error: got=%v want=%v", err, tt.wantErr)
			}
			if ValidateSignature(tt.toSign, tt.sig, tt.secret) {
				t.Fatal("expected ValidateSignature to return false")
			}
		})
	}
}

func TestSignatureHeaderValue_Format(t *testing.T) {
	t.Parallel()

	at := time.Unix(1700000000, 0)
	got := SignatureHeaderValue(`{"a":1}`, "secret", at)
	want := "t=1700000000,v1=49f24e537407743fa4a0242bb63b94b9a47ee99cbbe071ccd8a22550ae411686"
	if got != want {
		t.Fatalf("unexpected header: got=%q want=%q", got, want)
	}
}

func newSignedRequest(body, header string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tailscale", strings.NewReader(body))
	if header != "" {
		req.Header.Set(SignatureHeader, header)
	}
	return req
}

func TestValidate_RoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Unix(1730000000, 0)
	v := NewVerifier(fixedClock(now))

	bodies := []string{
		"",
		"hi there",
		`[{"timestamp":"2024-10-27T03:33:20Z","version":1,"type":"test","tailnet":"example.com","message":"This is a test event","data":null}]`,
		"line one\nline two\r\n\ttabbed ünïcødé",
	}
	for _, body := range bodies {
		req := newSignedRequest(body, SignatureHeaderValue(body, testSecret, now))
		result, err := v.Validate(req, testSecret)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.OK {
			t.Fatalf("expected body %q to validate, reason: %v", body, result.Reason)
		}
		if result.Body != body {
			t.Fatalf("unexpected body: got=%q want=%q", result.Body, body)
		}
		if !result.Timestamp.Equal(now) {
			t.Fatalf("unexpected timestamp: %v", result.Timestamp)
		}
	}
}

func TestValidate_ConcurrentCallsShareVerifier(t *testing.T) {
	t.Parallel()

	now := time.Unix(1730000000, 0)
	v := NewVerifier(fixedClock(now))

	const workers = 64
	var wg sync.WaitGroup
	errs := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			body := `{"n":` + strconv.Itoa(i) + `}`
			secret := testSecret
			wantOK := i%2 == 0
			if !wantOK {
				secret = "other_secret"
			}
			result, err := v.Validate(newSignedRequest(body, SignatureHeaderValue(body, testSecret, now)), secret)
			if err != nil {
				errs <- err.Error()
				return
			}
			if result.OK != wantOK || result.Body != body {
				errs <- fmt.Sprintf("worker %d: ok=%v body=%q reason=%v", i, result.OK, result.Body, result.Reason)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Error(msg)
	}
}

func TestValidate_DetectsTampering(t *testing.T) {
	t.Parallel()

	now := time.Unix(1730000000, 0)
	v := NewVerifier(fixedClock(now))
	body := `{"type":"nodeCreated"}`
	sig := Sign(body, testSecret, now)
	ts := strconv.FormatInt(now.Unix(), 10)

	tests := []struct {
		name   string
		body   string
		header string
		secret string
	}{
		{name: "body changed", body: `{"type":"nodeCreatee"}`, header: "t=" + ts + ",v1=" + sig, secret: testSecret},
		{name: "timestamp changed", body: body, header: "t=" + strconv.FormatInt(now.Unix()-1, 10) + ",v1=" + sig, secret: testSecret},
		{name: "secret changed", body: body, header: "t=" + ts + ",v1=" + sig, secret: testSecret + "x"},
		{name: "signature byte changed", body: body, header: "t=" + ts + ",v1=" + flipLastHex(sig), secret: testSecret},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := v.Validate(newSignedRequest(tt.body, tt.header), tt.secret)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.OK {
				t.Fatal("expected tampered delivery to be rejected")
			}
			if !errors.Is(result.Reason, ErrSignatureMismatch) {
				t.Fatalf("unexpected reason: %v", result.Reason)
			}
			if result.Body != tt.body {
				t.Fatalf("unexpected body: got=%q want=%q", result.Body, tt.body)
			}
		})
	}
}

func flipLastHex(sig string) string {
	last := sig[len(sig)-1]
	replacement := byte('0')
	if last == '0' {
		replacement = '1'
	}
	return sig[:len(sig)-1] + string(replacement)
}

func TestValidate_MissingHeaderStillReadsBody(t *testing.T) {
	t.Parallel()

	body := `{"type":"test"}`
	reader := bytes.NewBufferString(body)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tailscale", reader)

	result, err := Validate(req, testSecret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OK {
		t.Fatal("expected missing header to be rejected")
	}
	if !errors.Is(result.Reason, ErrMissingSignatureHeader) {
		t.Fatalf("unexpected reason: %v", result.Reason)
	}
	if result.Body != body {
		t.Fatalf("unexpected body: got=%q want=%q", result.Body, body)
	}
	if reader.Len() != 0 {
		t.Fatalf("expected body to be fully consumed, %d bytes left", reader.Len())
	}
}

func TestValidate_HeaderNameIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	now := time.Unix(1730000000, 0)
	v := NewVerifier(fixedClock(now))
	body := "hello"

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("tailscale-webhook-signature", SignatureHeaderValue(body, testSecret, now))

	result, err := v.Validate(req, testSecret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected delivery to validate, reason: %v", result.Reason)
	}
}

func TestValidate_Freshness(t *testing.T) {
	t.Parallel()

	now := time.Unix(1730000000, 0)
	v := NewVerifier(fixedClock(now))
	body := "payload"

	tests := []struct {
		name     string
		signedAt time.Time
		wantOK   bool
	}{
		{name: "now", signedAt: now, wantOK: true},
		{name: "four minutes old", signedAt: now.Add(-4 * time.Minute), wantOK: true},
		{name: "exactly five minutes old", signedAt: now.Add(-5 * time.Minute), wantOK: true},
		{name: "five minutes and a second old", signedAt: now.Add(-5*time.Minute - time.Second), wantOK: false},
		{name: "an hour old", signedAt: now.Add(-time.Hour), wantOK: false},
		{name: "four minutes ahead", signedAt: now.Add(4 * time.Minute), wantOK: true},
		{name: "six minutes ahead", signedAt: now.Add(6 * time.Minute), wantOK: false},
		{name: "epoch", signedAt: time.Unix(0, 0), wantOK: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := newSignedRequest(body, SignatureHeaderValue(body, testSecret, tt.signedAt))
			result, err := v.Validate(req, testSecret)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.OK != tt.wantOK {
				t.Fatalf("unexpected verdict: got=%v want=%v reason=%v", result.OK, tt.wantOK, result.Reason)
			}
			if !tt.wantOK && !errors.Is(result.Reason, ErrStaleTimestamp) {
				t.Fatalf("unexpected reason: %v", result.Reason)
			}
		})
	}
}

func TestValidateBody_MalformedHeaders(t *testing.T) {
	t.Parallel()

	now := time.Unix(1730000000, 0)
	v := NewVerifier(fixedClock(now))
	sig := Sign("body", testSecret, now)

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{name: "empty header", header: "", wantErr: ErrMissingTimestamp},
		{name: "no pairs", header: "nonsense", wantErr: ErrMissingTimestamp},
		{name: "missing v1", header: "t=1730000000", wantErr: ErrMissingSignature},
		{name: "non numeric timestamp", header: "t=soon,v1=" + sig, wantErr: ErrInvalidTimestamp},
		{name: "far future overflow", header: "t=9223372036854775807,v1=" + sig, wantErr: ErrStaleTimestamp},
		{name: "odd length signature", header: "t=1730000000,v1=abc", wantErr: ErrMalformedHexSignature},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := v.ValidateBody(tt.header, "body", testSecret)
			if result.OK {
				t.Fatal("expected rejection")
			}
			if !errors.Is(result.Reason, tt.wantErr) {
				t.Fatalf("unexpected reason: got=%v want=%v", result.Reason, tt.wantErr)
			}
			if result.Body != "body" {
				t.Fatalf("unexpected body: %q", result.Body)
			}
		})
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestValidate_BodyReadFailure(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/", failingReader{})
	req.Header.Set(SignatureHeader, "t=1,v1=00")

	result, err := Validate(req, testSecret)
	if err == nil {
		t.Fatal("expected error for unreadable body")
	}
	if result.OK {
		t.Fatal("expected rejection")
	}
}
