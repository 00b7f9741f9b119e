package dispatch

import (
	"time"

	"github.com/shineum/bulkmail/internal/transport"
)

// Status is the result of a send attempt or of a recipient as a whole.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// Kind names the reason a recipient failed.
type Kind string

const (
	KindNone          Kind = ""
	KindAuth          Kind = "auth failure"
	KindTransient     Kind = "transient failure"
	KindPermanent     Kind = "permanent failure"
	KindPoolExhausted Kind = "no usable credential"
	KindBatchTimeout  Kind = "batch timeout"
	KindCancelled     Kind = "cancelled"
)

func kindOf(k transport.Kind) Kind {
	switch k {
	case transport.KindNone:
		return KindNone
	case transport.KindAuth:
		return KindAuth
	case transport.KindPermanent:
		return KindPermanent
	default:
		return KindTransient
	}
}

// Outcome records a send attempt or, when read from the Dispatch channel,
// the terminal state of one recipient.
type Outcome struct {
	// Index is the recipient's position in the input sequence.
	Index     int
	Recipient string
	// Credential is the user of the credential last used, empty when no
	// credential was allocated.
	Credential string
	Status     Status
	Kind       Kind
	Err        error
	// Attempts counts transport calls made for the recipient so far.
	Attempts  int
	Timestamp time.Time
}

// Succeeded reports whether the outcome is a delivery.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}
