package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/settlement/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMix(t *testing.T) {
	mix, err := parseMix("pay_employee=3, stats=1,records=0")
	require.NoError(t, err)
	assert.Equal(t, map[op]int{opPayEmployee: 3, opStats: 1}, mix)

	for _, bad := range []string{"", "mint=1", "stats", "stats=-1", "records=0"} {
		_, err := parseMix(bad)
		assert.Error(t, err, bad)
	}
}

func TestPercentile(t *testing.T) {
	var sorted []time.Duration
	for i := 1; i <= 100; i++ {
		sorted = append(sorted, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 50.0, percentile(sorted, 0.50))
	assert.Equal(t, 95.0, percentile(sorted, 0.95))
	assert.Equal(t, 100.0, percentile(sorted, 1))
	assert.Zero(t, percentile(nil, 0.5))
}

func TestRunAgainstServer(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/stats":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/intents":
			var req models.IntentRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Kind != "pay_employee" || req.Employee == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			mu.Lock()
			replay := seen[key]
			seen[key] = true
			mu.Unlock()
			if replay {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := defaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Workers = 2
	cfg.Duration = 200 * time.Millisecond
	cfg.ReplayRate = 0.5
	cfg.Mix = map[op]int{opPayEmployee: 3, opStats: 1}

	res, err := run(context.Background(), cfg)
	require.NoError(t, err)
	require.Positive(t, res.Requests)

	pay := res.Ops[string(opPayEmployee)]
	require.NotNil(t, pay)
	assert.Positive(t, pay.Statuses["201"])
	assert.Zero(t, pay.Statuses["400"])
	assert.Zero(t, pay.Errors)
	if pay.Statuses["200"] > 0 {
		assert.Equal(t, 100.0, res.ReplayHitPct)
	}
	if st := res.Ops[string(opStats)]; st != nil {
		assert.Equal(t, st.Requests, st.Statuses["200"])
	}
	assert.NotContains(t, res.Ops, string(opRecords))
}
