package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tailhook/tailhook/internal/secrets"
	"github.com/tailhook/tailhook/internal/tailscale"
)

// runSign prints a Tailscale-Webhook-Signature header for the body on stdin.
func runSign(args []string, stdin io.Reader, stdout, stderr io.Writer, now func() time.Time) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secret := fs.String("secret", os.Getenv("TAILSCALE_WEBHOOK_SECRET"), "webhook secret")
	unix := fs.Int64("t", 0, "unix timestamp to sign with (default now)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *secret == "" {
		fmt.Fprintln(stderr, "sign: -secret is required")
		return 2
	}

	body, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "sign: failed to read body: %v\n", err)
		return 1
	}

	at := now()
	if *unix != 0 {
		at = time.Unix(*unix, 0)
	}
	fmt.Fprintln(stdout, tailscale.SignatureHeaderValue(string(body), *secret, at))
	return 0
}

// runVerify checks a signature header against the body on stdin.
func runVerify(args []string, stdin io.Reader, stdout, stderr io.Writer, now func() time.Time) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secret := fs.String("secret", os.Getenv("TAILSCALE_WEBHOOK_SECRET"), "webhook secret")
	header := fs.String("header", "", "Tailscale-Webhook-Signature header value")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *secret == "" || *header == "" {
		fmt.Fprintln(stderr, "verify: -secret and -header are required")
		return 2
	}

	body, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "verify: failed to read body: %v\n", err)
		return 1
	}

	verifier := tailscale.NewVerifier(tailscale.WithClock(now))
	result := verifier.ValidateBody(*header, string(body), *secret)
	if !result.OK {
		fmt.Fprintf(stdout, "invalid: %v\n", result.Reason)
		return 1
	}
	fmt.Fprintf(stdout, "valid: signed at %s\n", result.Timestamp.UTC().Format(time.RFC3339))
	return 0
}

// runSeal encrypts the secret on stdin for use in the endpoints file.
func runSeal(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	key := fs.String("key", os.Getenv("SECRETS_KEY"), "32 byte secrets key")
	endpoint := fs.String("endpoint", "", "endpoint name the secret belongs to")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *endpoint == "" {
		fmt.Fprintln(stderr, "seal: -endpoint is required")
		return 2
	}

	sealer, err := secrets.NewSealer(*key)
	if err != nil {
		fmt.Fprintf(stderr, "seal: %v\n", err)
		return 2
	}

	secret, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "seal: failed to read secret: %v\n", err)
		return 1
	}
	plain := strings.TrimRight(string(secret), "\r\n")
	if plain == "" {
		fmt.Fprintln(stderr, "seal: secret is empty")
		return 2
	}

	sealed, err := sealer.Seal(strings.ToLower(*endpoint), plain)
	if err != nil {
		fmt.Fprintf(stderr, "seal: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, sealed)
	return 0
}
