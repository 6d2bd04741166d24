package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit_Idempotent(t *testing.T) {
	Init()
	Init()
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/poll/{session}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpReqs.WithLabelValues("/poll/{session}", http.MethodGet, http.StatusText(http.StatusTeapot)))

	req := httptest.NewRequest(http.MethodGet, "/poll/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	after := testutil.ToFloat64(httpReqs.WithLabelValues("/poll/{session}", http.MethodGet, http.StatusText(http.StatusTeapot)))
	if after != before+1 {
		t.Fatalf("counter = %v, want %v", after, before+1)
	}
}
