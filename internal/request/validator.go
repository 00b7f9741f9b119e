package request

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/shineum/bulkmail/internal/credential"
	"github.com/shineum/bulkmail/internal/email"
)

// Batch is a validated dispatch request.
type Batch struct {
	Credentials []credential.Credential
	Recipients  []string
	Message     *email.Message
}

// Options controls normalization.
type Options struct {
	// DefaultHost and DefaultPort fill credentials that omit them.
	DefaultHost string
	DefaultPort int

	// Dedup drops repeated recipients, keeping the first occurrence.
	Dedup bool
}

// Validator checks raw requests. It is safe for concurrent use.
type Validator struct {
	opts     Options
	validate *validator.Validate
}

// NewValidator creates a Validator.
func NewValidator(opts Options) *Validator {
	return &Validator{
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Validate normalizes raw into a Batch. It never touches the network.
func (v *Validator) Validate(raw Raw) (*Batch, error) {
	if len(raw.Credentials) == 0 {
		return nil, Invalid(ReasonNoCredentials, nil)
	}

	creds := make([]credential.Credential, 0, len(raw.Credentials))
	for i, rc := range raw.Credentials {
		c, err := v.credential(rc)
		if err != nil {
			return nil, wrapIndex(err, i)
		}
		creds = append(creds, c)
	}

	recipients := ParseRecipients(raw.Recipients...)
	if v.opts.Dedup {
		recipients = lo.Uniq(recipients)
	}
	if len(recipients) == 0 {
		return nil, Invalid(ReasonNoRecipients, nil)
	}

	return &Batch{
		Credentials: creds,
		Recipients:  recipients,
		Message: &email.Message{
			Subject:  raw.Subject,
			TextBody: raw.Text,
			HtmlBody: raw.HTML,
		},
	}, nil
}

func (v *Validator) credential(rc RawCredential) (credential.Credential, error) {
	if strings.TrimSpace(rc.User) == "" || rc.Secret == "" {
		return credential.Credential{}, Invalid(ReasonIncompleteCred, nil)
	}

	port, err := rc.Port.Int()
	if err != nil {
		return credential.Credential{}, Invalid(ReasonInvalidCred, fmt.Errorf("port %q: %w", rc.Port, err))
	}

	c := credential.Credential{
		User:   strings.TrimSpace(rc.User),
		Secret: rc.Secret,
		Host:   strings.TrimSpace(rc.Host),
		Port:   port,
	}.WithDefaults(v.opts.DefaultHost, v.opts.DefaultPort)

	if err := v.validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "required" {
					return credential.Credential{}, Invalid(ReasonIncompleteCred, err)
				}
			}
		}
		return credential.Credential{}, Invalid(ReasonInvalidCred, err)
	}
	return c, nil
}

func wrapIndex(err error, i int) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Invalid(ve.Reason, fmt.Errorf("credential %d: %w", i, errOrReason(ve)))
	}
	return err
}

func errOrReason(ve *ValidationError) error {
	if ve.Err != nil {
		return ve.Err
	}
	return errors.New(ve.Reason)
}

// ParseRecipients splits each input on newlines and commas, trims the
// pieces and drops empty ones. Order and duplicates are preserved.
func ParseRecipients(inputs ...string) []string {
	var out []string
	for _, in := range inputs {
		fields := strings.FieldsFunc(in, func(r rune) bool {
			return r == '\n' || r == ','
		})
		for _, f := range fields {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
	}
	return out
}
