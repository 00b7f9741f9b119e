// Package email defines the message data model shared by the dispatcher and
// the delivery transports.
package email

import (
	"fmt"

	"github.com/google/uuid"
)

// Message is the content of one bulk dispatch request. It is built once per
// request and read concurrently by every send attempt, so it must never be
// mutated after validation.
type Message struct {
	Subject    string
	TextBody   string
	HtmlBody   string
	Attachment *Attachment
}

// Attachment represents a file attached to an email message. Content is
// shared by reference across all rendered copies of a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Size returns the attachment size in bytes.
func (a *Attachment) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Content)
}

// Email is a message rendered for a single recipient. From is left empty by
// the dispatcher; transports fill it from the credential or their configured
// sender.
type Email struct {
	From        string
	To          []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	MessageID   string
}

// Empty reports whether the message carries neither a text nor an HTML body.
func (m *Message) Empty() bool {
	return m.TextBody == "" && m.HtmlBody == ""
}

// Render produces the per-recipient copy of m addressed to rcpt. The
// attachment bytes are not copied.
func (m *Message) Render(rcpt string) *Email {
	e := &Email{
		To:        []string{rcpt},
		Subject:   m.Subject,
		TextBody:  m.TextBody,
		HtmlBody:  m.HtmlBody,
		MessageID: NewMessageID("bulkmail.local"),
	}
	if m.Attachment != nil {
		e.Attachments = []Attachment{*m.Attachment}
	}
	return e
}

// NewMessageID returns an RFC 5322 Message-ID for the given domain.
func NewMessageID(domain string) string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
