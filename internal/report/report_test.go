package report

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"

	"github.com/shineum/bulkmail/internal/dispatch"
)

func ok(i int, rcpt, user string) dispatch.Outcome {
	return dispatch.Outcome{Index: i, Recipient: rcpt, Credential: user, Status: dispatch.StatusSuccess}
}

func fail(i int, rcpt string, kind dispatch.Kind) dispatch.Outcome {
	return dispatch.Outcome{Index: i, Recipient: rcpt, Status: dispatch.StatusFailure, Kind: kind}
}

func TestAggregator_Finalize(t *testing.T) {
	t.Parallel()

	a := New(4)
	a.Observe(ok(0, "a@x.com", "u1"))
	a.Observe(fail(1, "b@x.com", dispatch.KindPermanent))
	a.Observe(ok(2, "c@x.com", "u1"))
	a.Observe(fail(3, "d@x.com", dispatch.KindPoolExhausted))

	s := a.Finalize()

	want := Summary{
		Message:          "Sent 2/4 emails",
		SentSuccessfully: 2,
		FailedEmails:     []string{"b@x.com", "d@x.com"},
		Logs: []string{
			"[OK] a@x.com: delivered via u1",
			"[FAIL] b@x.com: failed (permanent failure)",
			"[OK] c@x.com: delivered via u1",
			"[FAIL] d@x.com: failed (no usable credential)",
		},
	}
	if !reflect.DeepEqual(s, want) {
		t.Errorf("got %+v, want %+v", s, want)
	}
}

func TestAggregator_FinalizeIdempotent(t *testing.T) {
	t.Parallel()

	a := New(2)
	a.Observe(ok(0, "a@x.com", "u1"))
	first := a.Finalize()

	a.Observe(fail(1, "b@x.com", dispatch.KindTransient))
	second := a.Finalize()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("summaries differ: %+v vs %+v", first, second)
	}

	first.FailedEmails = append(first.FailedEmails, "mutated")
	if third := a.Finalize(); len(third.FailedEmails) != 0 {
		t.Errorf("summary shares state with caller: %+v", third)
	}
}

func TestAggregator_EmptyListsEncodeAsArrays(t *testing.T) {
	t.Parallel()

	a := New(1)
	a.Observe(ok(0, "a@x.com", "u1"))

	b, err := json.Marshal(a.Finalize())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"message":"Sent 1/1 emails","sentSuccessfully":1,"failedEmails":[],"logs":["[OK] a@x.com: delivered via u1"]}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}

	b, _ = json.Marshal(New(0).Finalize())
	if string(b) != `{"message":"Sent 0/0 emails","sentSuccessfully":0,"failedEmails":[],"logs":[]}` {
		t.Errorf("empty batch: got %s", b)
	}
}

func TestAggregator_Consume(t *testing.T) {
	t.Parallel()

	ch := make(chan dispatch.Outcome, 3)
	ch <- ok(0, "a@x.com", "u1")
	ch <- fail(1, "b@x.com", dispatch.KindAuth)
	ch <- ok(2, "c@x.com", "u2")
	close(ch)

	a := New(3)
	a.Consume(ch)
	s := a.Finalize()

	if s.SentSuccessfully+len(s.FailedEmails) != 3 {
		t.Errorf("invariant broken: %+v", s)
	}
	if s.Message != "Sent 2/3 emails" {
		t.Errorf("Message: got %q", s.Message)
	}
}

func TestAggregator_ConcurrentObserve(t *testing.T) {
	t.Parallel()

	const n = 100
	a := New(n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				a.Observe(fail(i, "f@x.com", dispatch.KindTransient))
				return
			}
			a.Observe(ok(i, "s@x.com", "u1"))
		}(i)
	}
	wg.Wait()

	s := a.Finalize()
	if s.SentSuccessfully != 75 || len(s.FailedEmails) != 25 || len(s.Logs) != n {
		t.Errorf("got sent=%d failed=%d logs=%d", s.SentSuccessfully, len(s.FailedEmails), len(s.Logs))
	}
}
