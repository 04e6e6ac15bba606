package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPSender delivers notifications as plain-text mail.
type SMTPSender struct {
	addr string
	auth smtp.Auth
	from string
}

// NewSMTPSender configures mail delivery. Username may be empty for servers
// that accept unauthenticated relay (local dev catchers).
func NewSMTPSender(host, port, username, password, from string) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		addr: host + ":" + port,
		auth: auth,
		from: from,
	}
}

func (s *SMTPSender) Send(ctx context.Context, m Message) error {
	to := []string{m.Recipient}
	msg := fmt.Appendf(nil, "To: %s\r\nFrom: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		strings.Join(to, ","), s.from, Subject(m), Body(m))

	if err := smtp.SendMail(s.addr, s.auth, s.from, to, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", m.Recipient, err)
	}
	return nil
}
