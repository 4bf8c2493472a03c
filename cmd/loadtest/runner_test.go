package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI отвечает как HTTP API сервиса оформления и считает вызовы по маршрутам.
type fakeAPI struct {
	mu           sync.Mutex
	calls        map[string]int
	keys         map[string]bool
	checkoutCode int
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{calls: make(map[string]int), keys: make(map[string]bool), checkoutCode: http.StatusCreated}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/v1/checkout":
		f.calls["checkout"]++
		f.keys[r.Header.Get(idempotencyHeader)] = true
		w.WriteHeader(f.checkoutCode)
		if f.checkoutCode >= 300 {
			_, _ = io.WriteString(w, `{"code":"payment_declined"}`)
			return
		}
		_, _ = io.WriteString(w, `{"order":{"id":"order-1","total":"10.00"},"payment":{"id":"pay-1"}}`)
	case r.URL.Path == "/v1/orders/order-1/cancel":
		f.calls["cancel"]++
		_, _ = io.WriteString(w, `{"id":"order-1","status":"CANCELLED"}`)
	case r.URL.Path == "/v1/payments/pay-1/refunds":
		f.calls["refund"]++
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"id":"re-1"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeAPI) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

func testLoadConfig(t *testing.T, baseURL string, mode loadMode) config {
	t.Helper()
	cfg, err := parseConfig([]string{"-addr=" + baseURL, "-mode=" + string(mode), "-total=1", "-concurrency=1"})
	require.NoError(t, err)
	return cfg
}

func TestRunnerScenario(t *testing.T) {
	tests := []struct {
		name       string
		mode       loadMode
		cancelRate int
		wantCalls  map[string]int
	}{
		{name: "checkout only", mode: modeCheckout, wantCalls: map[string]int{"checkout": 1}},
		{name: "checkout with cancel rate", mode: modeCheckout, cancelRate: 100, wantCalls: map[string]int{"checkout": 1, "cancel": 1}},
		{name: "checkout then cancel", mode: modeCheckoutCancel, wantCalls: map[string]int{"checkout": 1, "cancel": 1}},
		{name: "checkout then refund", mode: modeCheckoutRefund, wantCalls: map[string]int{"checkout": 1, "refund": 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake, srv := newFakeAPI(t)
			cfg := testLoadConfig(t, srv.URL, tc.mode)
			cfg.cancelRate = tc.cancelRate
			r := newRunner(srv.Client(), cfg, "run")

			require.NoError(t, r.scenario(context.Background(), 0))
			for route, want := range tc.wantCalls {
				assert.Equal(t, want, fake.count(route), route)
			}
			assert.True(t, fake.keys["lt-checkout-run-0"], "checkout carries idempotency key")

			rep, err := r.stats.report(time.Now(), time.Second)
			require.NoError(t, err)
			assert.Equal(t, int64(1), rep.SuccessScenarios)
		})
	}
}

func TestRunnerScenario_RecordsFailure(t *testing.T) {
	fake, srv := newFakeAPI(t)
	fake.checkoutCode = http.StatusPaymentRequired
	r := newRunner(srv.Client(), testLoadConfig(t, srv.URL, modeCheckoutCancel), "run")

	err := r.scenario(context.Background(), 1)
	var statusErr *statusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusPaymentRequired, statusErr.status)
	assert.True(t, strings.HasPrefix(statusErr.Error(), "Checkout: unexpected status 402"))
	assert.Zero(t, fake.count("cancel"))

	rep, err := r.stats.report(time.Now(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Calls[scenarioCall].Codes["402"])
	assert.Equal(t, int64(1), rep.FailedScenarios)
}

func TestRunnerScenario_TransportErrorCountsAsServerError(t *testing.T) {
	_, srv := newFakeAPI(t)
	cfg := testLoadConfig(t, srv.URL, modeCheckout)
	srv.Close()

	r := newRunner(http.DefaultClient, cfg, "run")
	require.Error(t, r.scenario(context.Background(), 0))

	rep, err := r.stats.report(time.Now(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Calls["Checkout"].Codes[transportError])
	assert.Equal(t, int64(1), rep.Calls[scenarioCall].Codes["500"])
}

func TestRunnerRun_CountMode(t *testing.T) {
	fake, srv := newFakeAPI(t)
	cfg := testLoadConfig(t, srv.URL, modeCheckout)
	cfg.total = 8
	cfg.concurrency = 3

	rep, err := newRunner(srv.Client(), cfg, "count").run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8), rep.TotalScenarios)
	assert.Zero(t, rep.FailedScenarios)
	assert.Equal(t, 8, fake.count("checkout"))
	assert.Equal(t, int64(8), rep.Calls["Checkout"].Codes["201"])
}

func TestRunnerRun_DurationMode(t *testing.T) {
	fake, srv := newFakeAPI(t)
	cfg := testLoadConfig(t, srv.URL, modeCheckout)
	cfg.totalSet = false
	cfg.duration = 50 * time.Millisecond
	cfg.concurrency = 2

	rep, err := newRunner(srv.Client(), cfg, "duration").run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, rep.TotalScenarios)
	assert.Zero(t, rep.FailedScenarios, "scenarios started before the deadline run to completion")
	assert.Equal(t, int(rep.TotalScenarios), fake.count("checkout"))
}

func TestRunnerRun_DurationCappedByTotal(t *testing.T) {
	fake, srv := newFakeAPI(t)
	cfg := testLoadConfig(t, srv.URL, modeCheckout)
	cfg.total = 3
	cfg.duration = time.Minute

	rep, err := newRunner(srv.Client(), cfg, "capped").run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), rep.TotalScenarios)
	assert.Equal(t, 3, fake.count("checkout"))
}

func TestShouldCancel(t *testing.T) {
	assert.False(t, shouldCancel(5, 0))
	assert.True(t, shouldCancel(5, 100))
	assert.True(t, shouldCancel(105, 10))
	assert.False(t, shouldCancel(15, 10))
}
