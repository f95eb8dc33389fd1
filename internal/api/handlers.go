package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/punchamoorthee/settlement/internal/models"
	"github.com/punchamoorthee/settlement/internal/query"
	"github.com/punchamoorthee/settlement/internal/service"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateIntentHandler records an intent. The optional Idempotency-Key header becomes the intent id.
// A replay answers 200 with the existing intent instead of 201.
func (h *Handler) CreateIntentHandler(w http.ResponseWriter, r *http.Request) {
	var req models.IntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	payload, err := req.Payload(h.decimals)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	opts := service.CreateOptions{ID: strings.TrimSpace(r.Header.Get("Idempotency-Key"))}
	in, created, err := h.intents.Create(r.Context(), domain.IntentKind(req.Kind), payload, opts)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	h.respondWithIntent(w, in, created)
}

func (h *Handler) respondWithIntent(w http.ResponseWriter, in *domain.Intent, created bool) {
	code := http.StatusOK
	if created {
		code = http.StatusCreated
		w.Header().Set("Location", fmt.Sprintf("/api/v1/intents/%s", in.ID))
	}
	respondWithJSON(w, code, models.IntentResult{Intent: models.NewIntent(in, h.decimals), Created: created})
}

func (h *Handler) ListIntentsHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := intentFilter(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.intents.List(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewIntents(list, h.decimals))
}

func (h *Handler) GetIntentHandler(w http.ResponseWriter, r *http.Request) {
	in, err := h.query.IntentStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewIntent(in, h.decimals))
}

func (h *Handler) CancelIntentHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	in, err := h.intents.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewIntent(in, h.decimals))
}

// RetryIntentHandler re-issues an abandoned intent as a fresh one.
func (h *Handler) RetryIntentHandler(w http.ResponseWriter, r *http.Request) {
	in, created, err := h.intents.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	h.respondWithIntent(w, in, created)
}

func (h *Handler) CreateInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	var req models.InvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	amount, err := models.ParseAmount(req.Amount, h.decimals)
	if err != nil {
		respondWithServiceError(w, &domain.ValidationError{Field: "amount", Reason: err.Error()})
		return
	}
	inv, err := h.intents.CreateInvoice(r.Context(), req.Payee, amount, req.Description)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/invoices/%s", inv.ID))
	view := &query.InvoiceView{Invoice: *inv, DisplayStatus: string(inv.Status)}
	respondWithJSON(w, http.StatusCreated, models.NewInvoice(view, h.decimals))
}

func (h *Handler) ListInvoicesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := domain.InvoiceFilter{
		Payee:  q.Get("payee"),
		Status: domain.InvoiceStatus(q.Get("status")),
		Limit:  limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("unknown invoice status %q", filter.Status))
		return
	}
	views, err := h.query.ListInvoices(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	out := make([]models.Invoice, len(views))
	for i, v := range views {
		out[i] = models.NewInvoice(v, h.decimals)
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) GetInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.query.Invoice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewInvoice(view, h.decimals))
}

func (h *Handler) RejectInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.intents.RejectInvoice(r.Context(), id); err != nil {
		respondWithServiceError(w, err)
		return
	}
	view, err := h.query.Invoice(r.Context(), id)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewInvoice(view, h.decimals))
}

// PayInvoiceHandler creates the pay_invoice intent. The invoice turns paid only once the ledger confirms it.
func (h *Handler) PayInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	opts := service.CreateOptions{ID: strings.TrimSpace(r.Header.Get("Idempotency-Key"))}
	in, created, err := h.intents.PayInvoice(r.Context(), mux.Vars(r)["id"], opts)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	h.respondWithIntent(w, in, created)
}

func (h *Handler) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.RecordFilter{
		Kind: domain.RecordKind(q.Get("kind")),
		Key:  q.Get("key"),
	}
	if filter.Kind == domain.RecordEmployee {
		filter.Key = domain.NormalizeAddress(filter.Key)
	}
	views, err := h.query.ListRecords(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	out := make([]models.Record, len(views))
	for i, v := range views {
		out[i] = models.NewRecord(v, h.decimals)
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.query.Stats(r.Context())
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewStats(stats, h.decimals))
}

func (h *Handler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := intentFilter(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.query.History(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewIntents(list, h.decimals))
}

// ReconcileHandler runs one reconciliation pass and returns its report.
func (h *Handler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Reconcile(r.Context())
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) ListDivergencesHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.query.Divergences(r.Context(), limit)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewDivergences(list, h.decimals))
}

// GetPriceHandler reads one oracle feed. Symbols are case-insensitive.
func (h *Handler) GetPriceHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.query.Price(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewPrice(view))
}

func (h *Handler) ListPricesHandler(w http.ResponseWriter, r *http.Request) {
	views, err := h.query.Prices(r.Context())
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	out := make([]models.Price, len(views))
	for i, v := range views {
		out[i] = models.NewPrice(v)
	}
	respondWithJSON(w, http.StatusOK, out)
}

// intentFilter reads state, kind, key, tx_hash, since, until and limit from the query string.
// state and kind accept comma separated lists.
func intentFilter(r *http.Request) (domain.IntentFilter, error) {
	q := r.URL.Query()
	var f domain.IntentFilter
	for _, s := range splitList(q.Get("state")) {
		st := domain.IntentState(s)
		if !st.Valid() {
			return f, fmt.Errorf("unknown state %q", s)
		}
		f.States = append(f.States, st)
	}
	for _, k := range splitList(q.Get("kind")) {
		kind := domain.IntentKind(k)
		if !kind.Valid() {
			return f, fmt.Errorf("unknown kind %q", k)
		}
		f.Kinds = append(f.Kinds, kind)
	}
	f.NaturalKey = q.Get("key")
	f.TxHash = q.Get("tx_hash")

	var err error
	if f.Since, err = parseTime("since", q.Get("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseTime("until", q.Get("until")); err != nil {
		return f, err
	}
	f.Limit, err = parseLimit(q.Get("limit"))
	return f, err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTime(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", name)
	}
	return t, nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}
