package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New("rxminer_test")
	m.HashRate.Set(12345)
	m.CandidatesTotal.Inc()
	m.RecordKeyRotation("eager")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "rxminer_test_hashrate 12345") {
		t.Errorf("expected hashrate sample in output, got:\n%s", body)
	}
	if !strings.Contains(body, `rxminer_test_key_rotations_total{protocol="eager"} 1`) {
		t.Errorf("expected key rotation sample in output, got:\n%s", body)
	}
}
