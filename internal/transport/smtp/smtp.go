// Package smtp implements a Transport that delivers each message over an
// authenticated SMTP session opened with the attempt's credential.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/shineum/bulkmail/internal/credential"
	"github.com/shineum/bulkmail/internal/email"
	"github.com/shineum/bulkmail/internal/transport"
)

// Config holds the SMTP transport settings shared by every credential.
type Config struct {
	// SenderName is the display name put in the From header. Optional.
	SenderName string

	// LocalName is the hostname sent in EHLO. Defaults to "localhost".
	LocalName string

	// InsecureSkipVerify disables certificate verification for STARTTLS
	// and implicit TLS.
	InsecureSkipVerify bool
}

// Dialer opens an authenticated SMTP session.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

// Transport sends mail through SMTP servers using gomail.
// @MX:ANCHOR: [AUTO] External system integration point for SMTP relays
// @MX:REASON: All deliveries flow through here when the smtp transport is selected
type Transport struct {
	cfg       Config
	newDialer func(credential.Credential) Dialer
}

// New creates an SMTP Transport.
func New(cfg Config) *Transport {
	t := &Transport{cfg: cfg}
	t.newDialer = t.gomailDialer
	return t
}

// NewWithDialer creates a Transport with a custom dialer factory, used for
// testing.
func NewWithDialer(cfg Config, newDialer func(credential.Credential) Dialer) *Transport {
	return &Transport{cfg: cfg, newDialer: newDialer}
}

func (t *Transport) gomailDialer(cred credential.Credential) Dialer {
	d := gomail.NewDialer(cred.Host, cred.Port, cred.User, cred.Secret)
	d.LocalName = t.cfg.LocalName
	d.TLSConfig = &tls.Config{
		ServerName:         cred.Host,
		InsecureSkipVerify: t.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	return d
}

// Send performs one SMTP session: dial, authenticate, and submit msg to its
// recipients.
func (t *Transport) Send(ctx context.Context, cred credential.Credential, msg *email.Email) error {
	if err := ctx.Err(); err != nil {
		return transport.TransientFailure(err)
	}

	from := msg.From
	if from == "" {
		from = cred.User
	}
	m := t.buildMessage(from, msg)

	sc, err := t.newDialer(cred).Dial()
	if err != nil {
		return classify(fmt.Errorf("dial %s: %w", cred.Addr(), err))
	}
	defer sc.Close()

	if err := ctx.Err(); err != nil {
		return transport.TransientFailure(err)
	}

	// Calling the SendCloser directly keeps the *textproto.Error from the
	// server intact; gomail.Send flattens it into a string.
	if err := sc.Send(from, msg.To, m); err != nil {
		return classify(err)
	}

	slog.Debug("smtp message accepted",
		"credential", cred.User,
		"host", cred.Host,
		"recipients", len(msg.To),
	)
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "smtp"
}

func (t *Transport) buildMessage(from string, msg *email.Email) *gomail.Message {
	m := gomail.NewMessage()
	if t.cfg.SenderName != "" {
		m.SetAddressHeader("From", from, t.cfg.SenderName)
	} else {
		m.SetHeader("From", from)
	}
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	if msg.MessageID != "" {
		m.SetHeader("Message-ID", msg.MessageID)
	}

	switch {
	case msg.TextBody != "" && msg.HtmlBody != "":
		m.SetBody("text/plain", msg.TextBody)
		m.AddAlternative("text/html", msg.HtmlBody)
	case msg.HtmlBody != "":
		m.SetBody("text/html", msg.HtmlBody)
	default:
		m.SetBody("text/plain", msg.TextBody)
	}

	for _, att := range msg.Attachments {
		content := att.Content
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
		}
		if att.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {att.ContentType},
			}))
		}
		m.Attach(att.Filename, settings...)
	}
	return m
}

var replyCodeRe = regexp.MustCompile(`(?:^|: )([45][0-9]{2})[ -]`)

// classify maps an SMTP session error onto the transport failure taxonomy.
func classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return classifyCode(tpErr.Code, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return transport.TransientFailure(err)
	}

	text := err.Error()
	if strings.Contains(text, "unencrypted connection") {
		// net/smtp refuses to send PLAIN/LOGIN credentials in the clear.
		return transport.AuthFailure(err)
	}

	// Some servers' replies only survive as text once wrapped.
	if m := replyCodeRe.FindStringSubmatch(text); m != nil {
		code, _ := strconv.Atoi(m[1])
		return classifyCode(code, err)
	}

	return transport.TransientFailure(err)
}

func classifyCode(code int, err error) error {
	switch {
	case code == 530 || code == 534 || code == 535 || code == 538:
		return transport.AuthFailure(err)
	case code >= 400 && code < 500:
		return transport.TransientFailure(err)
	case code >= 500:
		return transport.PermanentFailure(err)
	default:
		return transport.TransientFailure(err)
	}
}
