package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/settlement/internal/common"
	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/punchamoorthee/settlement/internal/ledger"
	"github.com/punchamoorthee/settlement/internal/models"
	"github.com/punchamoorthee/settlement/internal/query"
	"github.com/punchamoorthee/settlement/internal/reconciler"
	"github.com/punchamoorthee/settlement/internal/service"
	"github.com/punchamoorthee/settlement/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Reconciler runs one reconciliation pass on demand.
type Reconciler interface {
	Reconcile(ctx context.Context) (reconciler.Report, error)
}

type Handler struct {
	intents    *service.IntentManager
	reconciler Reconciler
	query      *query.Facade
	decimals   int32
}

func NewHandler(intents *service.IntentManager, rec Reconciler, q *query.Facade, decimals int32) *Handler {
	return &Handler{intents: intents, reconciler: rec, query: q, decimals: decimals}
}

// NewRouter mounts the API under /api/v1 next to /metrics and /health.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(instrument)
	v1.HandleFunc("/intents", h.CreateIntentHandler).Methods("POST")
	v1.HandleFunc("/intents", h.ListIntentsHandler).Methods("GET")
	v1.HandleFunc("/intents/{id}", h.GetIntentHandler).Methods("GET")
	v1.HandleFunc("/intents/{id}/cancel", h.CancelIntentHandler).Methods("POST")
	v1.HandleFunc("/intents/{id}/retry", h.RetryIntentHandler).Methods("POST")
	v1.HandleFunc("/invoices", h.CreateInvoiceHandler).Methods("POST")
	v1.HandleFunc("/invoices", h.ListInvoicesHandler).Methods("GET")
	v1.HandleFunc("/invoices/{id}", h.GetInvoiceHandler).Methods("GET")
	v1.HandleFunc("/invoices/{id}/reject", h.RejectInvoiceHandler).Methods("POST")
	v1.HandleFunc("/invoices/{id}/pay", h.PayInvoiceHandler).Methods("POST")
	v1.HandleFunc("/records", h.ListRecordsHandler).Methods("GET")
	v1.HandleFunc("/stats", h.StatsHandler).Methods("GET")
	v1.HandleFunc("/history", h.HistoryHandler).Methods("GET")
	v1.HandleFunc("/reconcile", h.ReconcileHandler).Methods("POST")
	v1.HandleFunc("/divergences", h.ListDivergencesHandler).Methods("GET")
	v1.HandleFunc("/prices", h.ListPricesHandler).Methods("GET")
	v1.HandleFunc("/prices/{symbol}", h.GetPriceHandler).Methods("GET")
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument labels request metrics with the route template rather than the raw path.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// respondWithServiceError maps domain and store errors onto status codes.
func respondWithServiceError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		respondWithJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ledger.ErrNoPriceFeed):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrIdempotencyMismatch),
		errors.Is(err, service.ErrNotCancellable),
		errors.Is(err, service.ErrNotRetryable),
		errors.Is(err, service.ErrInvoiceInFlight),
		errors.Is(err, store.ErrInvoiceNotPayable):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrUnavailable):
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		common.Log.Errorf("request failed; %s", err.Error())
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
