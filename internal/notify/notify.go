// Package notify sends e-mail notifications for selected Tailscale events.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	resend "github.com/resend/resend-go/v3"

	"github.com/tailhook/tailhook/internal/tailscale"
)

type Email struct {
	To      []string
	Subject string
	Text    string
}

// Sender delivers a rendered e-mail.
type Sender interface {
	Send(ctx context.Context, email *Email) error
}

type ResendSender struct {
	from   string
	client *resend.Client
}

// NewResendSender returns a sender backed by the Resend API. A nil httpClient
// uses the library default.
func NewResendSender(apiKey, from string, httpClient *http.Client) *ResendSender {
	client := resend.NewClient(apiKey)
	if httpClient != nil {
		client = resend.NewCustomClient(httpClient, apiKey)
	}
	return &ResendSender{
		from:   from,
		client: client,
	}
}

func (r *ResendSender) Send(ctx context.Context, email *Email) error {
	if email == nil {
		return fmt.Errorf("email is required")
	}
	if len(email.To) == 0 {
		return fmt.Errorf("email has no recipients")
	}
	if email.Text == "" {
		return fmt.Errorf("email body is empty")
	}

	params := &resend.SendEmailRequest{
		From:    r.from,
		To:      email.To,
		Subject: email.Subject,
		Text:    email.Text,
	}
	if _, err := r.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("failed to send email via resend: %w", err)
	}
	return nil
}

// Notifier decides which events are worth an e-mail and renders them.
type Notifier struct {
	sender     Sender
	recipients []string
	types      map[string]struct{}
}

func NewNotifier(sender Sender, recipients, eventTypes []string) (*Notifier, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = struct{}{}
		}
	}
	return &Notifier{
		sender:     sender,
		recipients: append([]string{}, recipients...),
		types:      types,
	}, nil
}

func (n *Notifier) Wants(eventType string) bool {
	if n == nil {
		return false
	}
	_, ok := n.types[eventType]
	return ok
}

// Notify sends an e-mail for event if its type is selected. It reports whether one was sent.
func (n *Notifier) Notify(ctx context.Context, endpoint string, event tailscale.Payload) (bool, error) {
	if !n.Wants(event.Type) {
		return false, nil
	}
	if err := n.sender.Send(ctx, Render(endpoint, event, n.recipients)); err != nil {
		return false, err
	}
	return true, nil
}

// Render builds the notification for event.
func Render(endpoint string, event tailscale.Payload, recipients []string) *Email {
	subject := fmt.Sprintf("[%s] %s", event.Tailnet, event.Type)
	if event.Message != "" {
		subject = fmt.Sprintf("[%s] %s", event.Tailnet, event.Message)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Event:    %s\n", event.Type)
	fmt.Fprintf(&b, "Tailnet:  %s\n", event.Tailnet)
	fmt.Fprintf(&b, "Time:     %s\n", event.Timestamp)
	fmt.Fprintf(&b, "Endpoint: %s\n", endpoint)
	if event.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", event.Message)
	}

	switch data := event.Data.(type) {
	case *tailscale.NodeExpiration:
		writeNode(&b, &data.NodeEvent)
		fmt.Fprintf(&b, "Expires:  %s\n", data.Expiration)
	case *tailscale.NodeEvent:
		writeNode(&b, data)
	case *tailscale.PolicyUpdate:
		fmt.Fprintf(&b, "\nActor:    %s\nURL:      %s\n", data.Actor, data.URL)
	case *tailscale.UserRole:
		fmt.Fprintf(&b, "\nUser:     %s\nActor:    %s\nRoles:    %s -> %s\nURL:      %s\n",
			data.User, data.Actor, strings.Join(data.OldRoles, ","), strings.Join(data.NewRoles, ","), data.URL)
	}

	return &Email{
		To:      append([]string{}, recipients...),
		Subject: subject,
		Text:    b.String(),
	}
}

func writeNode(b *strings.Builder, node *tailscale.NodeEvent) {
	fmt.Fprintf(b, "\nDevice:   %s (%s)\n", node.DeviceName, node.NodeID)
	if node.ManagedBy != "" {
		fmt.Fprintf(b, "Owner:    %s\n", node.ManagedBy)
	}
	if node.Actor != "" {
		fmt.Fprintf(b, "Actor:    %s\n", node.Actor)
	}
	fmt.Fprintf(b, "URL:      %s\n", node.URL)
}
