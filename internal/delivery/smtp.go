package delivery

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/gomail.v2"
)

// SMTPTransport sends mail through an authenticated SMTP server. The
// credentials are read once at construction.
type SMTPTransport struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPTransport creates a transport for host:port.
func NewSMTPTransport(host string, port int, username, password, from string) *SMTPTransport {
	return &SMTPTransport{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// Dial opens one SMTP connection to be shared by a batch.
func (t *SMTPTransport) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sc, err := t.dialer.Dial()
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s:%d: %w", t.dialer.Host, t.dialer.Port, err)
	}
	return &smtpSession{sender: sc, from: t.from}, nil
}

type smtpSession struct {
	sender gomail.SendCloser
	from   string
}

func (s *smtpSession) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return gomail.Send(s.sender, buildMessage(msg, s.from))
}

func (s *smtpSession) Close() error {
	return s.sender.Close()
}

func buildMessage(msg *Message, fallbackFrom string) *gomail.Message {
	from := msg.From
	if from == "" {
		from = fallbackFrom
	}
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)
	for _, p := range msg.Inline {
		m.Embed(p.Name, partSettings(p)...)
	}
	for _, p := range msg.Attachments {
		m.Attach(p.Name, partSettings(p)...)
	}
	return m
}

func partSettings(p Part) []gomail.FileSetting {
	data := p.Data
	settings := []gomail.FileSetting{
		gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}),
	}
	if p.ContentType != "" {
		settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {p.ContentType}}))
	}
	return settings
}
