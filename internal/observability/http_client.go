package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	sentryhttpclient "github.com/getsentry/sentry-go/httpclient"
)

// notifyProviders maps outbound notification hosts to a provider label.
var notifyProviders = map[string]string{
	"api.resend.com": "resend",
}

var tracePropagationTargets = []string{
	"api.resend.com",
}

// notifyTransport counts outbound notification calls by provider and outcome
// and tags the active span with the provider.
type notifyTransport struct {
	base http.RoundTripper
}

func (t notifyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	provider := notifyProvider(req.URL.Hostname())
	if span := sentry.SpanFromContext(ctx); span != nil {
		span.SetData("notify.provider", provider)
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)

	outcome := "error"
	if err == nil {
		outcome = strconv.Itoa(resp.StatusCode)
	}
	meter := MeterFromContext(ctx)
	meter.Count("notify.http.requests", 1, sentry.WithAttributes(
		attribute.String("notify.provider", provider),
		attribute.String("http.status_code", outcome),
	))
	meter.Distribution(
		"notify.http.duration",
		float64(time.Since(start).Milliseconds()),
		sentry.WithUnit(sentry.UnitMillisecond),
		sentry.WithAttributes(attribute.String("notify.provider", provider)),
	)
	return resp, err
}

func notifyProvider(host string) string {
	host = strings.ToLower(host)
	if provider, ok := notifyProviders[host]; ok {
		return provider
	}
	return host
}

// WrapRoundTripper traces outbound requests and records notification metrics.
func WrapRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return sentryhttpclient.NewSentryRoundTripper(
		notifyTransport{base: base},
		sentryhttpclient.WithTracePropagationTargets(tracePropagationTargets),
	)
}

// NewHTTPClient returns a client for notification providers.
func NewHTTPClient(timeout time.Duration) *http.Client {
	client := &http.Client{
		Transport: WrapRoundTripper(http.DefaultTransport),
	}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}
