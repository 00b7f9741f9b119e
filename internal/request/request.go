// Package request normalizes and validates inbound bulk dispatch requests.
package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shineum/bulkmail/internal/credential"
)

// Raw is a dispatch request as submitted by the caller, before validation.
type Raw struct {
	Credentials []RawCredential
	Recipients  RecipientInput
	Subject     string
	Text        string
	HTML        string
}

// UnmarshalJSON accepts both the current field names and the ones used by
// the original web form (smtp_credentials, emails).
func (r *Raw) UnmarshalJSON(b []byte) error {
	var w struct {
		Credentials     []RawCredential `json:"credentials"`
		SMTPCredentials []RawCredential `json:"smtp_credentials"`
		Recipients      RecipientInput  `json:"recipients"`
		Emails          RecipientInput  `json:"emails"`
		Subject         string          `json:"subject"`
		Text            string          `json:"text"`
		HTML            string          `json:"html"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	*r = Raw{
		Credentials: w.Credentials,
		Recipients:  w.Recipients,
		Subject:     w.Subject,
		Text:        w.Text,
		HTML:        w.HTML,
	}
	if len(r.Credentials) == 0 {
		r.Credentials = w.SMTPCredentials
	}
	if len(r.Recipients) == 0 {
		r.Recipients = w.Emails
	}
	return nil
}

// RawCredential is one unvalidated credential entry.
type RawCredential struct {
	User   string
	Secret string
	Host   string
	Port   Port
}

func (c *RawCredential) UnmarshalJSON(b []byte) error {
	var w struct {
		User   string `json:"user"`
		Secret string `json:"secret"`
		Pass   string `json:"pass"`
		Host   string `json:"host"`
		Port   Port   `json:"port"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	*c = RawCredential{User: w.User, Secret: w.Secret, Host: w.Host, Port: w.Port}
	if c.Secret == "" {
		c.Secret = w.Pass
	}
	return nil
}

// FromCredentials converts already-loaded credentials, such as the configured
// default pool, back into raw form so they pass through the same validation.
func FromCredentials(creds []credential.Credential) []RawCredential {
	out := make([]RawCredential, len(creds))
	for i, c := range creds {
		out[i] = RawCredential{User: c.User, Secret: c.Secret, Host: c.Host}
		if c.Port != 0 {
			out[i].Port = Port(strconv.Itoa(c.Port))
		}
	}
	return out
}

// Port is a port number given either as a JSON number or a string.
type Port string

func (p *Port) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*p = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = Port(strings.TrimSpace(s))
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("port: %w", err)
		}
		*p = Port(n.String())
	}
	return nil
}

// Int parses the port. An empty port is zero.
func (p Port) Int() (int, error) {
	if p == "" {
		return 0, nil
	}
	return strconv.Atoi(string(p))
}

// RecipientInput holds recipient text given as a single string or a list.
// Each element may itself contain several separated addresses.
type RecipientInput []string

func (ri *RecipientInput) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*ri = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*ri = RecipientInput{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*ri = list
	return nil
}

// RecipientField interprets a form field that may hold either a JSON array
// of addresses or plain separated text.
func RecipientField(s string) RecipientInput {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			return list
		}
	}
	if trimmed == "" {
		return nil
	}
	return RecipientInput{s}
}

// CredentialField decodes a form field holding a JSON array of credentials.
func CredentialField(s string) ([]RawCredential, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var creds []RawCredential
	if err := json.Unmarshal([]byte(s), &creds); err != nil {
		return nil, Invalid(ReasonInvalidCred, fmt.Errorf("decode credentials: %w", err))
	}
	return creds, nil
}
