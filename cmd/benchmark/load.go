package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlement/internal/models"
	"golang.org/x/sync/errgroup"
)

type op string

const (
	opPayEmployee op = "pay_employee"
	opFundPayroll op = "fund_payroll"
	opStats       op = "stats"
	opRecords     op = "records"
)

var knownOps = []op{opPayEmployee, opFundPayroll, opStats, opRecords}

type config struct {
	BaseURL    string
	Workers    int
	Duration   time.Duration
	Workload   string
	Employees  int
	ReplayRate float64
	Mix        map[op]int
	Timeout    time.Duration
}

func defaultConfig() config {
	return config{
		BaseURL:    "http://localhost:8080",
		Workers:    10,
		Duration:   30 * time.Second,
		Workload:   "uniform",
		Employees:  1000,
		ReplayRate: 0.1,
		Mix:        map[op]int{opPayEmployee: 1},
		Timeout:    5 * time.Second,
	}
}

// parseMix reads "name=weight,..." into operation weights.
func parseMix(s string) (map[op]int, error) {
	mix := make(map[op]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, weight, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("mix entry %q must be name=weight", part)
		}
		o := op(strings.TrimSpace(name))
		if !o.valid() {
			return nil, fmt.Errorf("unknown operation %q", name)
		}
		w, err := strconv.Atoi(strings.TrimSpace(weight))
		if err != nil || w < 0 {
			return nil, fmt.Errorf("weight of %s must be a non-negative integer", o)
		}
		if w > 0 {
			mix[o] = w
		}
	}
	if len(mix) == 0 {
		return nil, errors.New("mix selects no operations")
	}
	return mix, nil
}

func (o op) valid() bool {
	for _, k := range knownOps {
		if o == k {
			return true
		}
	}
	return false
}

// opSummary aggregates the outcomes of one operation.
type opSummary struct {
	Requests  int            `json:"requests"`
	Statuses  map[string]int `json:"statuses"`
	Errors    int            `json:"transport_errors"`
	P50Millis float64        `json:"p50_ms"`
	P95Millis float64        `json:"p95_ms"`
	P99Millis float64        `json:"p99_ms"`

	latencies []time.Duration
}

type result struct {
	Workload      string                `json:"workload"`
	Workers       int                   `json:"workers"`
	DurationSec   float64               `json:"duration_sec"`
	Requests      int                   `json:"total_requests"`
	ThroughputTPS float64               `json:"throughput_tps"`
	ReplayHitPct  float64               `json:"replay_hit_pct"`
	Ops           map[string]*opSummary `json:"ops"`
}

type recorder struct {
	mu      sync.Mutex
	ops     map[op]*opSummary
	replays int
	hits    int
}

func (r *recorder) record(o op, status int, err error, elapsed time.Duration, replay bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.ops[o]
	if !ok {
		st = &opSummary{Statuses: make(map[string]int)}
		r.ops[o] = st
	}
	st.Requests++
	if err != nil {
		st.Errors++
		return
	}
	st.Statuses[strconv.Itoa(status)]++
	st.latencies = append(st.latencies, elapsed)
	if replay {
		r.replays++
		if status == http.StatusOK {
			r.hits++
		}
	}
}

func (r *recorder) result(cfg config, elapsed time.Duration) *result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &result{
		Workload:    cfg.Workload,
		Workers:     cfg.Workers,
		DurationSec: elapsed.Seconds(),
		Ops:         make(map[string]*opSummary, len(r.ops)),
	}
	for o, st := range r.ops {
		sort.Slice(st.latencies, func(i, j int) bool { return st.latencies[i] < st.latencies[j] })
		st.P50Millis = percentile(st.latencies, 0.50)
		st.P95Millis = percentile(st.latencies, 0.95)
		st.P99Millis = percentile(st.latencies, 0.99)
		res.Requests += st.Requests
		res.Ops[string(o)] = st
	}
	if elapsed > 0 {
		res.ThroughputTPS = float64(res.Requests) / elapsed.Seconds()
	}
	if r.replays > 0 {
		res.ReplayHitPct = float64(r.hits) / float64(r.replays) * 100
	}
	return res
}

// percentile expects sorted input and returns milliseconds.
func percentile(sorted []time.Duration, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx]) / float64(time.Millisecond)
}

// run generates load until cfg.Duration elapses or ctx is cancelled.
func run(ctx context.Context, cfg config) (*result, error) {
	if cfg.Workers <= 0 {
		return nil, errors.New("workers must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	rec := &recorder{ops: make(map[op]*opSummary)}
	client := &http.Client{Timeout: cfg.Timeout}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		w := &worker{cfg: cfg, client: client, rec: rec, rng: rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))}
		g.Go(func() error {
			w.loop(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rec.result(cfg, time.Since(start)), nil
}

type worker struct {
	cfg    config
	client *http.Client
	rec    *recorder
	rng    *rand.Rand

	lastKey  string
	lastBody []byte
}

func (w *worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		o := w.pick()
		var (
			status int
			err    error
			replay bool
		)
		began := time.Now()
		switch o {
		case opStats:
			status, err = w.send(ctx, http.MethodGet, "/api/v1/stats", nil, "")
		case opRecords:
			status, err = w.send(ctx, http.MethodGet, "/api/v1/records?kind=employee", nil, "")
		default:
			var key string
			var body []byte
			key, body, replay = w.write(o)
			status, err = w.send(ctx, http.MethodPost, "/api/v1/intents", body, key)
		}
		if ctx.Err() != nil {
			return
		}
		w.rec.record(o, status, err, time.Since(began), replay)
	}
}

func (w *worker) pick() op {
	total := 0
	for _, weight := range w.cfg.Mix {
		total += weight
	}
	n := w.rng.Intn(total)
	for _, o := range knownOps {
		if n < w.cfg.Mix[o] {
			return o
		}
		n -= w.cfg.Mix[o]
	}
	return opPayEmployee
}

// write builds an intent request, resending the previous key at ReplayRate.
func (w *worker) write(o op) (string, []byte, bool) {
	if w.lastKey != "" && w.rng.Float64() < w.cfg.ReplayRate {
		return w.lastKey, w.lastBody, true
	}
	req := models.IntentRequest{Kind: string(o), Amount: "1"}
	if o == opPayEmployee {
		req.Employee = fmt.Sprintf("0x%040x", w.employee())
	}
	body, _ := json.Marshal(req)
	w.lastKey, w.lastBody = "bench-"+uuid.NewString(), body
	return w.lastKey, w.lastBody, false
}

// employee picks the natural key of the next payment. Hotspot sends 90% of traffic to two employees.
func (w *worker) employee() int {
	if w.cfg.Workload == "hotspot" && w.rng.Float32() < 0.90 {
		return w.rng.Intn(2) + 1
	}
	return w.rng.Intn(w.cfg.Employees) + 1
}

func (w *worker) send(ctx context.Context, method, path string, body []byte, key string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(w.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
