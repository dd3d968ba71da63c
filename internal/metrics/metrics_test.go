package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Dan9191/bnpl-service/internal/models"
)

func TestObserveBatch(t *testing.T) {
	skipped := testutil.ToFloat64(batchRuns.WithLabelValues("skipped"))
	completed := testutil.ToFloat64(batchRuns.WithLabelValues("completed"))

	ObserveBatch(&models.BatchStats{Skipped: true})
	ObserveBatch(&models.BatchStats{Total: 3})

	if got := testutil.ToFloat64(batchRuns.WithLabelValues("skipped")); got != skipped+1 {
		t.Errorf("expected %v skipped runs, got %v", skipped+1, got)
	}
	if got := testutil.ToFloat64(batchRuns.WithLabelValues("completed")); got != completed+1 {
		t.Errorf("expected %v completed runs, got %v", completed+1, got)
	}
}

func TestNotificationDelivered(t *testing.T) {
	before := testutil.ToFloat64(notificationsDelivered.WithLabelValues("payment_failed", "failed"))
	NotificationDelivered("payment_failed", false)
	if got := testutil.ToFloat64(notificationsDelivered.WithLabelValues("payment_failed", "failed")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Middleware)
	r.HandleFunc("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/items/{id}", "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/items/{id}", "404")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}
