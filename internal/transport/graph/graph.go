package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shineum/bulkmail/internal/credential"
	"github.com/shineum/bulkmail/internal/email"
	"github.com/shineum/bulkmail/internal/transport"
)

const (
	defaultGraphURL     = "https://graph.microsoft.com/v1.0"
	defaultAuthorityURL = "https://login.microsoftonline.com"
)

// Config holds the settings shared by every app registration in the pool.
type Config struct {
	// Sender is the mailbox the messages are sent as.
	Sender string

	// GraphURL and AuthorityURL override the public endpoints.
	GraphURL     string
	AuthorityURL string

	HTTPClient *http.Client
}

// Transport sends emails via the Microsoft Graph API. Credential.User is the
// application (client) ID, Credential.Secret the client secret and
// Credential.Host the tenant ID.
// @MX:ANCHOR: [AUTO] External system integration point for Microsoft Graph API
// @MX:REASON: All email delivery flows through this transport when Graph is configured
type Transport struct {
	cfg Config

	mu     sync.Mutex
	tokens map[string]*tokenCache
}

// New creates a Graph Transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Sender == "" {
		return nil, errors.New("graph: sender is required")
	}
	if cfg.GraphURL == "" {
		cfg.GraphURL = defaultGraphURL
	}
	if cfg.AuthorityURL == "" {
		cfg.AuthorityURL = defaultAuthorityURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.GraphURL = strings.TrimRight(cfg.GraphURL, "/")
	cfg.AuthorityURL = strings.TrimRight(cfg.AuthorityURL, "/")

	return &Transport{
		cfg:    cfg,
		tokens: make(map[string]*tokenCache),
	}, nil
}

// Send delivers msg via the sendMail endpoint. A 401 triggers one token
// refresh; a second 401 is reported as an auth failure.
func (t *Transport) Send(ctx context.Context, cred credential.Credential, msg *email.Email) error {
	if cred.Host == "" {
		return transport.AuthFailure(errors.New("graph credential has no tenant"))
	}

	sender := msg.From
	if sender == "" {
		sender = t.cfg.Sender
	}

	bodyJSON, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return transport.PermanentFailure(fmt.Errorf("failed to marshal request body: %w", err))
	}

	tc := t.tokenCache(cred)
	token, err := tc.Token(ctx)
	if err != nil {
		return err
	}

	sendURL := fmt.Sprintf("%s/users/%s/sendMail", t.cfg.GraphURL, url.PathEscape(sender))

	err = t.doSendRequest(ctx, sendURL, token, bodyJSON)
	var se *sendError
	if errors.As(err, &se) && se.statusCode == http.StatusUnauthorized {
		if token, err = tc.ForceRefresh(ctx); err != nil {
			return err
		}
		err = t.doSendRequest(ctx, sendURL, token, bodyJSON)
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "msgraph"
}

func (t *Transport) tokenCache(cred credential.Credential) *tokenCache {
	key := cred.Host + "|" + cred.User

	t.mu.Lock()
	defer t.mu.Unlock()

	tc, ok := t.tokens[key]
	if !ok {
		tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", t.cfg.AuthorityURL, url.PathEscape(cred.Host))
		tc = newTokenCache(tokenURL, cred.User, cred.Secret, t.cfg.HTTPClient)
		t.tokens[key] = tc
	}
	return tc
}

// doSendRequest performs a single HTTP request to the Graph API sendMail endpoint.
func (t *Transport) doSendRequest(ctx context.Context, sendURL, token string, bodyJSON []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	message := string(body)
	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		message = graphErrResp.Error.Message
	}
	return &sendError{statusCode: resp.StatusCode, message: message}
}

// sendError is a non-success HTTP response from sendMail.
type sendError struct {
	statusCode int
	message    string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classify maps a sendMail failure onto the transport failure taxonomy.
func classify(err error) error {
	var se *sendError
	if !errors.As(err, &se) {
		return transport.TransientFailure(err)
	}

	switch {
	case se.statusCode == http.StatusUnauthorized || se.statusCode == http.StatusForbidden:
		return transport.AuthFailure(err)
	case se.statusCode == http.StatusTooManyRequests || se.statusCode == http.StatusRequestTimeout:
		return transport.TransientFailure(err)
	case se.statusCode >= 500:
		return transport.TransientFailure(err)
	default:
		return transport.PermanentFailure(err)
	}
}
