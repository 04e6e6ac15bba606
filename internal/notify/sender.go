package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Mohan-38/docgrant/internal/obs"
)

// Sender delivers one rendered notification to its recipient.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

var subjects = map[string]string{
	"mfa_issued":         "Your documents are ready: verification required",
	"blockchain_issued":  "Your documents are ready: delivery recorded on chain",
	"progressive_issued": "Your documents are ready: staged release schedule",
	"portal_issued":      "Your secure document portal is ready",
	"qr_issued":          "Your documents are ready: scan to access",
}

// Subject returns the mail subject for a message.
func Subject(m Message) string {
	if s, ok := subjects[m.Template]; ok {
		return s
	}
	return "Your documents are ready"
}

// Body renders a plain-text mail body from the payload. Field order is
// stable so tests and resends produce identical text.
func Body(m Message) string {
	var b strings.Builder
	name := m.Payload["recipient_name"]
	if name == "" {
		name = m.Recipient
	}
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	fmt.Fprintf(&b, "Your documents for order %s are ready.\n\n", m.Payload["order_ref"])

	if url := m.Payload["access_url"]; url != "" {
		fmt.Fprintf(&b, "Access link: %s\n", url)
	}
	if code := m.Payload["code"]; code != "" {
		fmt.Fprintf(&b, "Verification code: %s\n", code)
	}
	if pw := m.Payload["password"]; pw != "" {
		fmt.Fprintf(&b, "Temporary password: %s\n", pw)
		b.WriteString("You will be asked to change it on first login.\n")
	}
	if sched := m.Payload["schedule"]; sched != "" {
		b.WriteString("Release schedule:\n")
		for _, part := range strings.Split(sched, ",") {
			fmt.Fprintf(&b, "  - %s\n", strings.Replace(part, "=", " unlocks at ", 1))
		}
	}
	if tx := m.Payload["tx_id"]; tx != "" {
		fmt.Fprintf(&b, "Delivery transaction: %s\n", tx)
	}
	if exp := m.Payload["expires_at"]; exp != "" {
		fmt.Fprintf(&b, "\nAccess expires at %s.\n", exp)
	}

	extras := extraKeys(m.Payload)
	for _, k := range extras {
		fmt.Fprintf(&b, "%s: %s\n", k, m.Payload[k])
	}
	return b.String()
}

var renderedKeys = map[string]bool{
	"recipient_name": true, "order_ref": true, "access_url": true,
	"code": true, "password": true, "schedule": true, "tx_id": true,
	"proof_of_delivery": true, "expires_at": true,
}

func extraKeys(payload map[string]string) []string {
	var out []string
	for k := range payload {
		if !renderedKeys[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// LogSender writes deliveries to the structured log instead of a transport.
// Dev-mode default when no mail or broker is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, m Message) error {
	obs.Info("notification delivered to log", map[string]any{
		"message_id": m.ID,
		"grant_id":   m.GrantID,
		"recipient":  m.Recipient,
		"template":   m.Template,
		"subject":    Subject(m),
	})
	return nil
}

type multiSender []Sender

// Multi fans one message out to several transports. All are attempted; any
// failure fails the delivery so the outbox retries it.
func Multi(senders ...Sender) Sender {
	out := make(multiSender, 0, len(senders))
	for _, s := range senders {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (ms multiSender) Send(ctx context.Context, m Message) error {
	var errs []error
	for _, s := range ms {
		if err := s.Send(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
