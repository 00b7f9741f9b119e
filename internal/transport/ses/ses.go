// Package ses implements a Transport that sends emails via AWS SES v2, using
// each pool credential as an IAM access key pair.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/bulkmail/internal/credential"
	"github.com/shineum/bulkmail/internal/email"
	"github.com/shineum/bulkmail/internal/transport"
)

// Config holds the settings shared by every credential.
type Config struct {
	// Region is used when a credential does not name a region in its host.
	Region string
	// Sender is the verified From address.
	Sender string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// ClientFactory builds an SES client for one credential in one region.
type ClientFactory func(ctx context.Context, cred credential.Credential, region string) (SendEmailAPI, error)

// Transport sends emails via the AWS SES v2 API. Credential.User is the
// access key ID and Credential.Secret the secret access key; Credential.Host
// may carry a region such as "eu-west-1".
// @MX:ANCHOR: [AUTO] External system integration point for AWS SES
// @MX:REASON: All email delivery flows through this transport when SES is configured
type Transport struct {
	cfg       Config
	newClient ClientFactory

	mu      sync.Mutex
	clients map[string]SendEmailAPI
}

var regionRe = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-[0-9]+$`)

// New creates an SES Transport.
func New(cfg Config) (*Transport, error) {
	return NewWithClientFactory(cfg, defaultClientFactory)
}

// NewWithClientFactory creates an SES Transport with a custom client
// factory, used for testing.
func NewWithClientFactory(cfg Config, f ClientFactory) (*Transport, error) {
	if cfg.Sender == "" {
		return nil, errors.New("ses: sender is required")
	}
	return &Transport{
		cfg:       cfg,
		newClient: f,
		clients:   make(map[string]SendEmailAPI),
	}, nil
}

func defaultClientFactory(ctx context.Context, cred credential.Credential, region string) (SendEmailAPI, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cred.User, cred.Secret, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg), nil
}

// Send delivers msg via SES using cred. For messages with attachments, it
// builds a raw MIME message; otherwise it uses the SES simple format.
func (t *Transport) Send(ctx context.Context, cred credential.Credential, msg *email.Email) error {
	client, err := t.client(ctx, cred)
	if err != nil {
		return transport.TransientFailure(err)
	}

	sender := msg.From
	if sender == "" {
		sender = t.cfg.Sender
	}

	var input *sesv2.SendEmailInput
	if len(msg.Attachments) > 0 {
		raw, err := buildRawMessage(sender, msg)
		if err != nil {
			return transport.PermanentFailure(fmt.Errorf("failed to build raw message: %w", err))
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(sender),
			Destination:      &types.Destination{ToAddresses: msg.To},
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
	} else {
		input = buildSimpleInput(sender, msg)
	}

	if _, err := client.SendEmail(ctx, input); err != nil {
		return classify(err)
	}
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "ses"
}

func (t *Transport) region(cred credential.Credential) string {
	if regionRe.MatchString(cred.Host) {
		return cred.Host
	}
	return t.cfg.Region
}

// client returns the cached SES client for cred, creating it on first use.
func (t *Transport) client(ctx context.Context, cred credential.Credential) (SendEmailAPI, error) {
	region := t.region(cred)
	key := cred.User + "|" + region

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[key]; ok {
		return c, nil
	}
	c, err := t.newClient(ctx, cred, region)
	if err != nil {
		return nil, err
	}
	t.clients[key] = c
	return c, nil
}

// classify maps an SES API error onto the transport failure taxonomy.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Network and signing-transport errors never reached the service.
		return transport.TransientFailure(err)
	}

	switch apiErr.ErrorCode() {
	case "UnrecognizedClientException", "InvalidClientTokenId", "SignatureDoesNotMatch",
		"IncompleteSignature", "MissingAuthenticationToken", "ExpiredTokenException",
		"AccessDeniedException", "AccessDenied", "AccountSuspendedException",
		"SendingPausedException":
		return transport.AuthFailure(err)
	case "TooManyRequestsException", "LimitExceededException", "ThrottlingException",
		"Throttling", "InternalFailure", "ServiceUnavailable", "RequestTimeout":
		return transport.TransientFailure(err)
	case "MessageRejected", "BadRequestException", "MailFromDomainNotVerifiedException",
		"NotFoundException":
		return transport.PermanentFailure(err)
	}

	if apiErr.ErrorFault() == smithy.FaultClient {
		return transport.PermanentFailure(err)
	}
	return transport.TransientFailure(err)
}

// buildSimpleInput creates a SES SendEmailInput for emails without attachments.
func buildSimpleInput(sender string, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HtmlBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HtmlBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" || msg.HtmlBody == "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// buildRawMessage constructs a raw MIME message for emails with attachments.
func buildRawMessage(sender string, msg *email.Email) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", sender)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	if msg.MessageID != "" {
		fmt.Fprintf(&buf, "Message-ID: %s\r\n", msg.MessageID)
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	if err := writeBody(writer, msg); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", contentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", mime.QEncoding.Encode("UTF-8", att.Filename)))

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.Content))); err != nil {
			return nil, fmt.Errorf("failed to write attachment part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBody writes the text and/or HTML body as the first part of w. When
// both are present they are wrapped in a multipart/alternative part.
func writeBody(w *multipart.Writer, msg *email.Email) error {
	textPart := func(contentType, body string) (textproto.MIMEHeader, []byte) {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", contentType+"; charset=UTF-8")
		return h, []byte(body)
	}

	if msg.TextBody != "" && msg.HtmlBody != "" {
		var alt bytes.Buffer
		altWriter := multipart.NewWriter(&alt)
		for _, p := range []struct{ ct, body string }{
			{"text/plain", msg.TextBody},
			{"text/html", msg.HtmlBody},
		} {
			h, b := textPart(p.ct, p.body)
			part, err := altWriter.CreatePart(h)
			if err != nil {
				return fmt.Errorf("failed to create body part: %w", err)
			}
			if _, err := part.Write(b); err != nil {
				return fmt.Errorf("failed to write body part: %w", err)
			}
		}
		if err := altWriter.Close(); err != nil {
			return fmt.Errorf("failed to close alternative writer: %w", err)
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", altWriter.Boundary()))
		part, err := w.CreatePart(h)
		if err != nil {
			return fmt.Errorf("failed to create body part: %w", err)
		}
		_, err = part.Write(alt.Bytes())
		return err
	}

	ct, body := "text/plain", msg.TextBody
	if msg.HtmlBody != "" {
		ct, body = "text/html", msg.HtmlBody
	}
	h, b := textPart(ct, body)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	_, err = part.Write(b)
	return err
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
