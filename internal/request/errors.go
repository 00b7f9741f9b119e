package request

import "errors"

// Validation failure reasons. Each is the complete message returned to the
// caller.
const (
	ReasonNoCredentials      = "no credentials"
	ReasonIncompleteCred     = "incomplete credential"
	ReasonInvalidCred        = "invalid credential"
	ReasonNoRecipients       = "no recipients"
	ReasonAttachmentTooLarge = "attachment too large"
	ReasonTooManyAttachments = "only one attachment is allowed"
	ReasonInvalidBody        = "invalid request body"
	ReasonBodyTooLarge       = "request body too large"
)

// ValidationError rejects a request before any send is attempted.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid returns a ValidationError for reason, optionally wrapping a cause.
func Invalid(reason string, cause error) *ValidationError {
	return &ValidationError{Reason: reason, Err: cause}
}

// IsValidation reports whether err is a ValidationError and returns it.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
