package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/bulkmail/internal/dispatch"
)

func TestRecordAttempt(t *testing.T) {
	before := testutil.ToFloat64(SendAttempts.WithLabelValues("metrics-test", "success"))
	RecordAttempt("metrics-test", dispatch.Outcome{Status: dispatch.StatusSuccess})
	if v := testutil.ToFloat64(SendAttempts.WithLabelValues("metrics-test", "success")); v != before+1 {
		t.Fatalf("expected %v, got %v", before+1, v)
	}

	before = testutil.ToFloat64(SendAttempts.WithLabelValues("metrics-test", "auth failure"))
	RecordAttempt("metrics-test", dispatch.Outcome{Status: dispatch.StatusFailure, Kind: dispatch.KindAuth})
	if v := testutil.ToFloat64(SendAttempts.WithLabelValues("metrics-test", "auth failure")); v != before+1 {
		t.Fatalf("expected %v, got %v", before+1, v)
	}
}

func TestRecordOutcome(t *testing.T) {
	before := testutil.ToFloat64(Recipients.WithLabelValues("failure", "batch timeout"))
	RecordOutcome(dispatch.Outcome{Status: dispatch.StatusFailure, Kind: dispatch.KindBatchTimeout})
	if v := testutil.ToFloat64(Recipients.WithLabelValues("failure", "batch timeout")); v != before+1 {
		t.Fatalf("expected %v, got %v", before+1, v)
	}
}

func TestBatchResult(t *testing.T) {
	tests := []struct {
		sent, total int
		want        string
	}{
		{3, 3, "completed"},
		{0, 3, "failed"},
		{1, 3, "partial"},
	}
	for _, tt := range tests {
		if got := BatchResult(tt.sent, tt.total); got != tt.want {
			t.Errorf("BatchResult(%d, %d): got %q, want %q", tt.sent, tt.total, got, tt.want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	CredentialsTripped.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bulkmail_credentials_tripped_total") {
		t.Error("expected bulkmail_credentials_tripped_total in output")
	}
}
