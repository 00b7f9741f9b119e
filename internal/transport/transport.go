// Package transport defines the interface for mail delivery backends and the
// failure taxonomy the dispatcher uses to decide on retries.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/shineum/bulkmail/internal/credential"
	"github.com/shineum/bulkmail/internal/email"
)

// Transport is the interface that mail delivery backends must implement.
// Each call to Send is a single delivery attempt; retries belong to the
// caller.
type Transport interface {
	// Send attempts to deliver msg using cred. A non-nil error should be
	// classified with AuthFailure, TransientFailure or PermanentFailure.
	Send(ctx context.Context, cred credential.Credential, msg *email.Email) error

	// Name returns the human-readable name of this transport.
	Name() string
}

// Kind classifies a failed delivery attempt.
type Kind int

const (
	// KindNone means the attempt succeeded.
	KindNone Kind = iota
	// KindAuth means the provider rejected the credential.
	KindAuth
	// KindTransient means the attempt may succeed if repeated.
	KindTransient
	// KindPermanent means the recipient or content was rejected.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuth:
		return "auth failure"
	case KindTransient:
		return "transient failure"
	case KindPermanent:
		return "permanent failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified delivery failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AuthFailure wraps err as a credential rejection.
func AuthFailure(err error) error {
	return &Error{Kind: KindAuth, Err: err}
}

// TransientFailure wraps err as a recoverable failure.
func TransientFailure(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// PermanentFailure wraps err as a non-retryable failure.
func PermanentFailure(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// KindOf returns the classification of err. Unclassified errors, including
// context deadlines, count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}
