package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cavecrawl/game-engine/internal/metrics"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	// Requests to UUID-bearing session URLs must collapse onto one route
	// pattern label instead of minting a series per session.
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/games/{sessionID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"11111111-aaaa", "22222222-bbbb", "33333333-cccc"} {
		req := httptest.NewRequest("GET", "/games/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/games/{sessionID}", "200"))
	if got < 3 {
		t.Errorf("pattern-labeled counter = %v, want >= 3", got)
	}

	raw := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/games/11111111-aaaa", "200"))
	if raw != 0 {
		t.Errorf("raw path minted its own series: %v", raw)
	}
}
