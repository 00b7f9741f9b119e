package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/bulkmail/internal/credential"
	"github.com/shineum/bulkmail/internal/email"
	"github.com/shineum/bulkmail/internal/transport"
)

// fakeTransport records calls and answers with fn.
type fakeTransport struct {
	fn func(n int, cred credential.Credential, em *email.Email) error

	mu       sync.Mutex
	calls    []string // "recipient via user"
	inFlight int
	maxIn    int
}

func (f *fakeTransport) Send(ctx context.Context, cred credential.Credential, em *email.Email) error {
	f.mu.Lock()
	f.calls = append(f.calls, em.To[0]+" via "+cred.User)
	n := len(f.calls)
	f.inFlight++
	if f.inFlight > f.maxIn {
		f.maxIn = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.fn == nil {
		return nil
	}
	return f.fn(n, cred, em)
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() Config {
	return Config{
		MaxConcurrentSends: 5,
		MaxRetries:         2,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         2 * time.Millisecond,
		AttemptTimeout:     time.Second,
	}
}

func newPool(t *testing.T, users ...string) *credential.Pool {
	t.Helper()

	creds := make([]credential.Credential, len(users))
	for i, u := range users {
		creds[i] = credential.Credential{User: u, Secret: "s", Host: "smtp.example.com", Port: 587}
	}
	p, err := credential.NewPool(creds)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p
}

func collect(t *testing.T, ch <-chan Outcome) []Outcome {
	t.Helper()

	var out []Outcome
	timeout := time.After(5 * time.Second)
	for {
		select {
		case o, ok := <-ch:
			if !ok {
				sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
				return out
			}
			out = append(out, o)
		case <-timeout:
			t.Fatal("dispatch did not finish")
			return nil
		}
	}
}

func tally(outs []Outcome) (sent int, failed []string) {
	for _, o := range outs {
		if o.Succeeded() {
			sent++
		} else {
			failed = append(failed, o.Recipient)
		}
	}
	return sent, failed
}

var testMsg = &email.Message{Subject: "Hi", TextBody: "hello"}

func TestDispatch_AllSucceed(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	d := New(testConfig(), ft)
	pool := newPool(t, "u1")

	outs := collect(t, d.Dispatch(context.Background(), []string{"a@x.com", "b@x.com", "c@x.com"}, testMsg, pool))

	sent, failed := tally(outs)
	if sent != 3 || len(failed) != 0 {
		t.Fatalf("got sent=%d failed=%v", sent, failed)
	}
	for i, o := range outs {
		if o.Index != i || o.Credential != "u1" || o.Attempts != 1 || o.Kind != KindNone || o.Err != nil {
			t.Errorf("outcome %d: got %+v", i, o)
		}
		if o.Timestamp.IsZero() {
			t.Errorf("outcome %d: missing timestamp", i)
		}
	}
	if ft.callCount() != 3 {
		t.Errorf("calls: got %d, want 3", ft.callCount())
	}
}

func TestDispatch_AuthFailureExhaustsPool(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{fn: func(int, credential.Credential, *email.Email) error {
		return transport.AuthFailure(errors.New("535 bad credentials"))
	}}
	cfg := testConfig()
	cfg.MaxConcurrentSends = 1
	d := New(cfg, ft)

	var tripped []string
	d.OnCredentialTripped = func(user string) { tripped = append(tripped, user) }

	pool := newPool(t, "u1")
	outs := collect(t, d.Dispatch(context.Background(), []string{"a@x.com", "b@x.com"}, testMsg, pool))

	sent, failed := tally(outs)
	if sent != 0 || strings.Join(failed, ",") != "a@x.com,b@x.com" {
		t.Fatalf("got sent=%d failed=%v", sent, failed)
	}
	if outs[0].Kind != KindAuth {
		t.Errorf("first kind: got %q", outs[0].Kind)
	}
	if outs[1].Kind != KindPoolExhausted || outs[1].Attempts != 0 {
		t.Errorf("second outcome: got %+v", outs[1])
	}
	if ft.callCount() != 1 {
		t.Errorf("calls: got %d, want 1", ft.callCount())
	}
	if got := pool.Allocations()["u1"]; got != 1 {
		t.Errorf("allocations: got %d, want 1", got)
	}
	if pool.Usable() != 0 {
		t.Errorf("usable: got %d", pool.Usable())
	}
	if len(tripped) != 1 || tripped[0] != "u1" {
		t.Errorf("tripped: got %v", tripped)
	}
}

func TestDispatch_PermanentFailureOnOneCredential(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{fn: func(_ int, cred credential.Credential, _ *email.Email) error {
		if cred.User == "u2" {
			return transport.PermanentFailure(errors.New("550 mailbox unavailable"))
		}
		return nil
	}}
	d := New(testConfig(), ft)
	pool := newPool(t, "u1", "u2")

	outs := collect(t, d.Dispatch(context.Background(), []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"}, testMsg, pool))

	sent, failed := tally(outs)
	if sent != 2 || len(failed) != 2 {
		t.Fatalf("got sent=%d failed=%v", sent, failed)
	}
	for _, o := range outs {
		switch o.Credential {
		case "u1":
			if !o.Succeeded() {
				t.Errorf("%s via u1 failed: %+v", o.Recipient, o)
			}
		case "u2":
			if o.Succeeded() || o.Kind != KindPermanent || o.Attempts != 1 {
				t.Errorf("%s via u2: got %+v", o.Recipient, o)
			}
		default:
			t.Errorf("unexpected credential %q", o.Credential)
		}
	}
	allocs := pool.Allocations()
	if allocs["u1"] != 2 || allocs["u2"] != 2 {
		t.Errorf("allocations: got %v", allocs)
	}
	if pool.Usable() != 2 {
		t.Errorf("permanent failure must not trip the breaker")
	}
}

func TestDispatch_RetryCeiling(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{fn: func(int, credential.Credential, *email.Email) error {
		return transport.TransientFailure(errors.New("421 try later"))
	}}
	d := New(testConfig(), ft)

	var attempts atomic.Int32
	d.OnAttempt = func(o Outcome) {
		attempts.Add(1)
		if o.Succeeded() || o.Kind != KindTransient {
			t.Errorf("attempt outcome: got %+v", o)
		}
	}

	outs := collect(t, d.Dispatch(context.Background(), []string{"a@x.com", "b@x.com"}, testMsg, newPool(t, "u1")))

	for _, o := range outs {
		if o.Succeeded() || o.Kind != KindTransient || o.Attempts != 3 {
			t.Errorf("outcome: got %+v", o)
		}
	}
	if ft.callCount() != 6 {
		t.Errorf("calls: got %d, want 6", ft.callCount())
	}
	if attempts.Load() != 6 {
		t.Errorf("OnAttempt calls: got %d, want 6", attempts.Load())
	}
}

func TestDispatch_ZeroRetries(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{fn: func(int, credential.Credential, *email.Email) error {
		return errors.New("connection reset")
	}}
	cfg := testConfig()
	cfg.MaxRetries = 0
	d := New(cfg, ft)

	outs := collect(t, d.Dispatch(context.Background(), []string{"a@x.com"}, testMsg, newPool(t, "u1")))
	if outs[0].Kind != KindTransient || outs[0].Attempts != 1 {
		t.Errorf("got %+v", outs[0])
	}
	if transport.KindOf(outs[0].Err) != transport.KindTransient {
		t.Errorf("Err kind: got %v", transport.KindOf(outs[0].Err))
	}
}

func TestDispatch_TransientThenSuccess(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{fn: func(n int, _ credential.Credential, _ *email.Email) error {
		if n < 3 {
			return transport.TransientFailure(errors.New("451 greylisted"))
		}
		return nil
	}}
	d := New(testConfig(), ft)

	outs := collect(t, d.Dispatch(context.Background(), []string{"a@x.com"}, testMsg, newPool(t, "u1")))
	if !outs[0].Succeeded() || outs[0].Attempts != 3 {
		t.Errorf("got %+v", outs[0])
	}
}

func TestDispatch_AuthFailureReroutes(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{fn: func(_ int, cred credential.Credential, _ *email.Email) error {
		if cred.User == "u1" {
			return transport.AuthFailure(errors.New("535"))
		}
		return nil
	}}
	cfg := testConfig()
	cfg.MaxConcurrentSends = 1
	d := New(cfg, ft)
	pool := newPool(t, "u1", "u2")

	outs := collect(t, d.Dispatch(context.Background(), []string{"a@x.com", "b@x.com", "c@x.com"}, testMsg, pool))

	sent, _ := tally(outs)
	if sent != 3 {
		t.Fatalf("sent: got %d, want 3", sent)
	}
	if outs[0].Credential != "u2" || outs[0].Attempts != 2 {
		t.Errorf("first outcome: got %+v", outs[0])
	}
	for _, o := range outs[1:] {
		if o.Credential != "u2" || o.Attempts != 1 {
			t.Errorf("outcome: got %+v", o)
		}
	}
	if ft.callCount() != 4 {
		t.Errorf("calls: got %d, want 4", ft.callCount())
	}
	if pool.Usable() != 1 {
		t.Errorf("usable: got %d, want 1", pool.Usable())
	}
}

func TestDispatch_AuthRerouteOnlyOnce(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{fn: func(int, credential.Credential, *email.Email) error {
		return transport.AuthFailure(errors.New("535"))
	}}
	cfg := testConfig()
	cfg.MaxConcurrentSends = 1
	d := New(cfg, ft)
	pool := newPool(t, "u1", "u2", "u3")

	outs := collect(t, d.Dispatch(context.Background(), []string{"a@x.com", "b@x.com"}, testMsg, pool))

	if outs[0].Kind != KindAuth || outs[0].Attempts != 2 || outs[0].Credential != "u2" {
		t.Errorf("first outcome: got %+v", outs[0])
	}
	if outs[1].Kind != KindAuth || outs[1].Attempts != 1 || outs[1].Credential != "u3" {
		t.Errorf("second outcome: got %+v", outs[1])
	}
	if pool.Usable() != 0 {
		t.Errorf("usable: got %d", pool.Usable())
	}
}

func TestDispatch_Invariant(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{fn: func(_ int, cred credential.Credential, em *email.Email) error {
		switch {
		case cred.User == "bad":
			return transport.AuthFailure(errors.New("535"))
		case strings.HasPrefix(em.To[0], "perm"):
			return transport.PermanentFailure(errors.New("550"))
		case strings.HasPrefix(em.To[0], "flaky"):
			return transport.TransientFailure(errors.New("421"))
		}
		return nil
	}}
	d := New(testConfig(), ft)
	pool := newPool(t, "u1", "bad", "u2")

	var recipients []string
	for i := 0; i < 60; i++ {
		prefix := []string{"ok", "perm", "flaky"}[i%3]
		recipients = append(recipients, fmt.Sprintf("%s%d@x.com", prefix, i))
	}

	outs := collect(t, d.Dispatch(context.Background(), recipients, testMsg, pool))

	if len(outs) != len(recipients) {
		t.Fatalf("outcomes: got %d, want %d", len(outs), len(recipients))
	}
	sent, failed := tally(outs)
	if sent+len(failed) != len(recipients) {
		t.Errorf("sent %d + failed %d != %d", sent, len(failed), len(recipients))
	}
	for i, o := range outs {
		if o.Index != i || o.Recipient != recipients[i] {
			t.Errorf("outcome %d: got index %d recipient %q", i, o.Index, o.Recipient)
		}
		if strings.HasPrefix(o.Recipient, "ok") != o.Succeeded() {
			t.Errorf("%s: got %+v", o.Recipient, o)
		}
	}
}

func TestDispatch_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{fn: func(int, credential.Credential, *email.Email) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}}
	cfg := testConfig()
	cfg.MaxConcurrentSends = 3
	d := New(cfg, ft)

	recipients := make([]string, 12)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("r%d@x.com", i)
	}
	collect(t, d.Dispatch(context.Background(), recipients, testMsg, newPool(t, "u1", "u2")))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.maxIn > 3 || ft.maxIn < 1 {
		t.Errorf("max in flight: got %d, want 1..3", ft.maxIn)
	}
}

func TestDispatch_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	d := New(testConfig(), ft)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outs := collect(t, d.Dispatch(ctx, []string{"a@x.com", "b@x.com"}, testMsg, newPool(t, "u1")))
	for _, o := range outs {
		if o.Kind != KindCancelled || o.Attempts != 0 {
			t.Errorf("got %+v", o)
		}
	}
	if ft.callCount() != 0 {
		t.Errorf("calls: got %d, want 0", ft.callCount())
	}
}

func TestDispatch_CancelLetsInFlightFinish(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	ft := &fakeTransport{fn: func(n int, _ credential.Credential, _ *email.Email) error {
		if n == 1 {
			close(started)
			<-release
		}
		return nil
	}}
	cfg := testConfig()
	cfg.MaxConcurrentSends = 1
	d := New(cfg, ft)

	ctx, cancel := context.WithCancel(context.Background())
	ch := d.Dispatch(ctx, []string{"a@x.com", "b@x.com", "c@x.com"}, testMsg, newPool(t, "u1"))

	<-started
	cancel()
	close(release)

	outs := collect(t, ch)
	if !outs[0].Succeeded() {
		t.Errorf("in-flight recipient: got %+v", outs[0])
	}
	for _, o := range outs[1:] {
		if o.Kind != KindCancelled {
			t.Errorf("queued recipient: got %+v", o)
		}
	}
	if ft.callCount() != 1 {
		t.Errorf("calls: got %d, want 1", ft.callCount())
	}
}

func TestDispatch_BatchTimeout(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{fn: func(int, credential.Credential, *email.Email) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}}
	cfg := testConfig()
	cfg.MaxConcurrentSends = 1
	cfg.BatchTimeout = 20 * time.Millisecond
	d := New(cfg, ft)

	outs := collect(t, d.Dispatch(context.Background(), []string{"a@x.com", "b@x.com", "c@x.com"}, testMsg, newPool(t, "u1")))

	if !outs[0].Succeeded() {
		t.Errorf("first recipient: got %+v", outs[0])
	}
	for _, o := range outs[1:] {
		if o.Kind != KindBatchTimeout {
			t.Errorf("queued recipient: got %+v", o)
		}
	}
}

func TestDispatch_AttemptTimeout(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{fn: func(int, credential.Credential, *email.Email) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}}
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.AttemptTimeout = 20 * time.Millisecond
	d := New(cfg, ft)

	outs := collect(t, d.Dispatch(context.Background(), []string{"a@x.com"}, testMsg, newPool(t, "u1")))
	o := outs[0]
	if o.Succeeded() || o.Kind != KindTransient {
		t.Fatalf("got %+v", o)
	}
	if !errors.Is(o.Err, context.DeadlineExceeded) || !strings.Contains(o.Err.Error(), "timed out") {
		t.Errorf("Err: got %v", o.Err)
	}
}

func TestDispatch_SharesAttachment(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		Subject:    "Report",
		TextBody:   "attached",
		Attachment: &email.Attachment{Filename: "r.pdf", ContentType: "application/pdf", Content: []byte("%PDF")},
	}

	var mu sync.Mutex
	var seen []*byte
	ft := &fakeTransport{fn: func(_ int, _ credential.Credential, em *email.Email) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, &em.Attachments[0].Content[0])
		return nil
	}}
	d := New(testConfig(), ft)

	collect(t, d.Dispatch(context.Background(), []string{"a@x.com", "b@x.com", "c@x.com"}, msg, newPool(t, "u1")))

	if len(seen) != 3 {
		t.Fatalf("sends: got %d", len(seen))
	}
	for _, p := range seen {
		if p != &msg.Attachment.Content[0] {
			t.Error("attachment bytes were copied")
		}
	}
}

func TestDispatch_NoRecipients(t *testing.T) {
	t.Parallel()

	ch := New(testConfig(), &fakeTransport{}).Dispatch(context.Background(), nil, testMsg, newPool(t, "u1"))
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	got := New(Config{MaxRetries: -1}, &fakeTransport{}).Config()
	want := DefaultConfig()
	want.MaxRetries = 0
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestKindStrings(t *testing.T) {
	t.Parallel()

	tests := map[transport.Kind]Kind{
		transport.KindNone:      KindNone,
		transport.KindAuth:      KindAuth,
		transport.KindTransient: KindTransient,
		transport.KindPermanent: KindPermanent,
	}
	for in, want := range tests {
		if got := kindOf(in); got != want {
			t.Errorf("kindOf(%v): got %q, want %q", in, got, want)
		}
	}
	if StatusSuccess.String() != "success" || StatusFailure.String() != "failure" {
		t.Error("unexpected status strings")
	}
}
