package delivery

import "context"

// Part is an inline image or an attachment.
type Part struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is a composed outbound email.
type Message struct {
	From        string
	To          []string
	Subject     string
	HTML        string
	Inline      []Part
	Attachments []Part
}

// Transport opens outbound sessions.
type Transport interface {
	Dial(ctx context.Context) (Session, error)
}

// Session sends messages over one connection until closed.
type Session interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}
