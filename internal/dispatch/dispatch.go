// Package dispatch delivers one message to many recipients over a rotating
// credential pool with bounded concurrency and per-recipient retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/shineum/bulkmail/internal/credential"
	"github.com/shineum/bulkmail/internal/email"
	"github.com/shineum/bulkmail/internal/transport"
)

// Config tunes the dispatcher.
type Config struct {
	// MaxConcurrentSends bounds the number of recipients in flight.
	MaxConcurrentSends int
	// MaxRetries is the number of repeats after a transient failure, so a
	// recipient sees at most MaxRetries+1 attempts on one credential.
	MaxRetries int
	// BaseBackoff and MaxBackoff shape the exponential delay between
	// transient retries.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// AttemptTimeout bounds a single transport call.
	AttemptTimeout time.Duration
	// BatchTimeout bounds the whole batch; zero disables it.
	BatchTimeout time.Duration
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSends: 5,
		MaxRetries:         2,
		BaseBackoff:        500 * time.Millisecond,
		MaxBackoff:         5 * time.Second,
		AttemptTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentSends <= 0 {
		c.MaxConcurrentSends = d.MaxConcurrentSends
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

// Dispatcher schedules sends onto a Transport.
type Dispatcher struct {
	cfg       Config
	transport transport.Transport

	// OnAttempt, if set, is called after every transport call. It runs on
	// worker goroutines and must be safe for concurrent use.
	OnAttempt func(Outcome)
	// OnCredentialTripped, if set, is called when an auth failure removes a
	// credential from rotation.
	OnCredentialTripped func(user string)
}

// New creates a Dispatcher.
func New(cfg Config, t transport.Transport) *Dispatcher {
	return &Dispatcher{cfg: cfg.withDefaults(), transport: t}
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Dispatch sends msg to every recipient and streams one terminal Outcome per
// recipient. The channel is buffered for the whole batch and closed once
// every recipient is resolved, so readers may consume it at any pace.
//
// Cancelling ctx, or reaching the batch timeout, stops new attempts:
// attempts already in flight run to completion under their own timeout and
// recipients not yet started fail without a transport call.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []string, msg *email.Message, pool *credential.Pool) <-chan Outcome {
	out := make(chan Outcome, len(recipients))
	if len(recipients) == 0 {
		close(out)
		return out
	}

	batchID := uuid.NewString()
	logger := slog.With("batch", batchID, "transport", d.transport.Name())

	cancel := func() {}
	if d.cfg.BatchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.cfg.BatchTimeout)
	}

	jobs := make(chan int, len(recipients))
	for i := range recipients {
		jobs <- i
	}
	close(jobs)

	workers := min(d.cfg.MaxConcurrentSends, len(recipients))
	logger.Info("batch started",
		"recipients", len(recipients),
		"credentials", pool.Size(),
		"workers", workers,
	)

	start := time.Now()
	var wg sync.WaitGroup
	var sent, failed int
	var mu sync.Mutex
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				o := d.deliver(ctx, logger, i, recipients[i], msg, pool)
				mu.Lock()
				if o.Succeeded() {
					sent++
				} else {
					failed++
				}
				mu.Unlock()
				out <- o
			}
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		logger.Info("batch finished",
			"sent", sent,
			"failed", failed,
			"usable_credentials", pool.Usable(),
			"duration", time.Since(start),
		)
		close(out)
	}()

	return out
}

// deliver resolves a single recipient.
func (d *Dispatcher) deliver(ctx context.Context, logger *slog.Logger, idx int, rcpt string, msg *email.Message, pool *credential.Pool) Outcome {
	o := Outcome{Index: idx, Recipient: rcpt}

	if err := ctx.Err(); err != nil {
		return stopped(o, err)
	}

	cred, err := pool.Next()
	if err != nil {
		return failure(o, KindPoolExhausted, err)
	}

	em := msg.Render(rcpt)
	rerouted := false
	for {
		o.Credential = cred.User
		err := d.sendWithRetry(ctx, logger, cred, em, &o)
		if err == nil {
			o.Status = StatusSuccess
			o.Kind = KindNone
			o.Err = nil
			o.Timestamp = time.Now()
			return o
		}

		var te *transport.Error
		if !errors.As(err, &te) {
			// Retries were cut short by the batch context.
			return stopped(o, err)
		}

		if te.Kind != transport.KindAuth {
			return failure(o, kindOf(te.Kind), err)
		}

		if pool.MarkUnusable(cred.User) && d.OnCredentialTripped != nil {
			d.OnCredentialTripped(cred.User)
		}
		if rerouted || ctx.Err() != nil {
			return failure(o, KindAuth, err)
		}
		next, nerr := pool.Next()
		if nerr != nil {
			return failure(o, KindAuth, err)
		}
		logger.Debug("rerouting recipient after auth failure",
			"recipient", rcpt,
			"from", cred.User,
			"to", next.User,
		)
		cred = next
		rerouted = true
	}
}

// sendWithRetry makes up to MaxRetries+1 attempts with one credential,
// repeating only transient failures.
func (d *Dispatcher) sendWithRetry(ctx context.Context, logger *slog.Logger, cred credential.Credential, em *email.Email, o *Outcome) error {
	b := retry.NewExponential(d.cfg.BaseBackoff)
	b = retry.WithCappedDuration(d.cfg.MaxBackoff, b)
	b = retry.WithMaxRetries(uint64(d.cfg.MaxRetries), b)

	var last error
	err := retry.Do(ctx, b, func(_ context.Context) error {
		last = d.attempt(ctx, cred, em)
		o.Attempts++

		a := *o
		a.Timestamp = time.Now()
		a.Err = last
		if last == nil {
			a.Status = StatusSuccess
		} else {
			a.Status = StatusFailure
			a.Kind = kindOf(transport.KindOf(last))
		}
		if d.OnAttempt != nil {
			d.OnAttempt(a)
		}
		logger.Debug("send attempt",
			"recipient", a.Recipient,
			"credential", cred.User,
			"attempt", a.Attempts,
			"status", a.Status,
			"kind", string(a.Kind),
			"error", last,
		)

		if last != nil && transport.KindOf(last) == transport.KindTransient {
			return retry.RetryableError(last)
		}
		return last
	})
	if err == nil {
		return nil
	}

	var te *transport.Error
	if errors.As(err, &te) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	// Unclassified transport errors count as transient.
	if last != nil {
		return transport.TransientFailure(last)
	}
	return transport.TransientFailure(err)
}

// attempt runs one transport call bounded by the attempt timeout. The call
// is detached from batch cancellation so it is never cut off midway.
func (d *Dispatcher) attempt(batchCtx context.Context, cred credential.Credential, em *email.Email) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(batchCtx), d.cfg.AttemptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.transport.Send(ctx, cred, em)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil && transport.KindOf(err) == transport.KindTransient {
			return transport.TransientFailure(fmt.Errorf("attempt timed out after %s: %w", d.cfg.AttemptTimeout, err))
		}
		return err
	case <-ctx.Done():
		return transport.TransientFailure(fmt.Errorf("attempt timed out after %s: %w", d.cfg.AttemptTimeout, ctx.Err()))
	}
}

func failure(o Outcome, kind Kind, err error) Outcome {
	o.Status = StatusFailure
	o.Kind = kind
	o.Err = err
	o.Timestamp = time.Now()
	return o
}

func stopped(o Outcome, err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure(o, KindBatchTimeout, err)
	}
	return failure(o, KindCancelled, err)
}
