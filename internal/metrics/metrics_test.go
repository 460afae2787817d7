package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTurn(t *testing.T) {
	before := testutil.ToFloat64(turnsTotal.WithLabelValues("ORDINARY", "socratic"))
	ObserveTurn("ORDINARY", "socratic", true, 10*time.Millisecond)
	after := testutil.ToFloat64(turnsTotal.WithLabelValues("ORDINARY", "socratic"))
	if after != before+1 {
		t.Fatalf("expected counter to grow by 1, got %v -> %v", before, after)
	}
}

func TestObserveContentFetch(t *testing.T) {
	before := testutil.ToFloat64(contentFetches.WithLabelValues("github", "error"))
	ObserveContentFetch("github", errors.New("timeout"))
	if got := testutil.ToFloat64(contentFetches.WithLabelValues("github", "error")); got != before+1 {
		t.Fatalf("expected error counter to grow, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveFallback("disabled")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "studybot_fallback_replies_total") {
		t.Fatal("expected fallback counter in exposition")
	}
}
