// Package report folds per-recipient dispatch outcomes into the summary
// returned to the caller.
package report

import (
	"fmt"
	"sync"

	"github.com/shineum/bulkmail/internal/dispatch"
)

// Summary is the result of a dispatch request.
type Summary struct {
	Message          string   `json:"message"`
	SentSuccessfully int      `json:"sentSuccessfully"`
	FailedEmails     []string `json:"failedEmails"`
	Logs             []string `json:"logs"`
}

// Aggregator accumulates terminal outcomes. It is safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	total   int
	sent    int
	failed  []string
	logs    []string
	summary *Summary
}

// New creates an Aggregator for a batch of total recipients.
func New(total int) *Aggregator {
	return &Aggregator{
		total:  total,
		failed: []string{},
		logs:   make([]string, 0, total),
	}
}

// Observe records one terminal outcome. Outcomes arriving after Finalize
// are ignored.
func (a *Aggregator) Observe(o dispatch.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.summary != nil {
		return
	}
	if o.Succeeded() {
		a.sent++
	} else {
		a.failed = append(a.failed, o.Recipient)
	}
	a.logs = append(a.logs, LogLine(o))
}

// Consume observes every outcome on ch until it is closed.
func (a *Aggregator) Consume(ch <-chan dispatch.Outcome) {
	for o := range ch {
		a.Observe(o)
	}
}

// Finalize returns the summary. The first call freezes the aggregator;
// later calls return the same values.
func (a *Aggregator) Finalize() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.summary == nil {
		a.summary = &Summary{
			Message:          fmt.Sprintf("Sent %d/%d emails", a.sent, a.total),
			SentSuccessfully: a.sent,
			FailedEmails:     a.failed,
			Logs:             a.logs,
		}
	}

	s := *a.summary
	s.FailedEmails = append([]string{}, a.summary.FailedEmails...)
	s.Logs = append([]string{}, a.summary.Logs...)
	return s
}

// LogLine renders the human-readable log entry for a terminal outcome.
func LogLine(o dispatch.Outcome) string {
	if o.Succeeded() {
		return fmt.Sprintf("[OK] %s: delivered via %s", o.Recipient, o.Credential)
	}
	return fmt.Sprintf("[FAIL] %s: failed (%s)", o.Recipient, o.Kind)
}
