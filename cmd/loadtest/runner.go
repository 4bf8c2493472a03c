package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	idempotencyHeader = "Idempotency-Key"
	defaultQty        = 1
)

type checkoutResponse struct {
	Order struct {
		ID    string          `json:"id"`
		Total decimal.Decimal `json:"total"`
	} `json:"order"`
	Payment struct {
		ID string `json:"id"`
	} `json:"payment"`
}

// apiClient вызывает HTTP API и записывает статус и задержку каждого вызова.
type apiClient struct {
	http    *http.Client
	baseURL string
	stats   *stats
}

type statusError struct {
	call   string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.call, e.status, e.body)
}

func (c *apiClient) post(ctx context.Context, call, path, key string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.stats.observe(call, time.Since(start), 0)
		return 0, err
	}
	defer resp.Body.Close()
	raw, readErr := io.ReadAll(resp.Body)
	c.stats.observe(call, time.Since(start), resp.StatusCode)
	if readErr != nil {
		return resp.StatusCode, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &statusError{call: call, status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: decode response: %w", call, err)
		}
	}
	return resp.StatusCode, nil
}

type runner struct {
	cfg   config
	api   *apiClient
	stats *stats
	runID string
}

func newRunner(client *http.Client, cfg config, runID string) *runner {
	s := newStats()
	return &runner{
		cfg:   cfg,
		api:   &apiClient{http: client, baseURL: cfg.baseURL, stats: s},
		stats: s,
		runID: runID,
	}
}

// run запускает сценарии не больше cfg.concurrency одновременно. В режиме длительности
// новые сценарии перестают стартовать по истечении срока, начатые доводятся до конца.
func (r *runner) run(ctx context.Context) (report, error) {
	startedAt := time.Now()

	dispatchCtx := ctx
	if r.cfg.duration > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, r.cfg.duration)
		defer cancel()
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.concurrency)
	for i := 0; r.more(i); i++ {
		if dispatchCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			_ = r.scenario(ctx, i)
			return nil
		})
	}
	_ = g.Wait()

	return r.stats.report(startedAt, time.Since(startedAt))
}

func (r *runner) more(i int) bool {
	if r.cfg.duration <= 0 || r.cfg.totalSet {
		return i < r.cfg.total
	}
	return true
}

func (r *runner) scenario(ctx context.Context, index int) (err error) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		if err != nil && status < 300 {
			status = http.StatusInternalServerError
		}
		r.stats.observe(scenarioCall, time.Since(start), status)
	}()

	var created checkoutResponse
	key := fmt.Sprintf("lt-checkout-%s-%d", r.runID, index)
	status, err = r.api.post(ctx, "Checkout", "/v1/checkout", key, r.checkoutRequest(index), &created)
	if err != nil {
		return err
	}
	if created.Order.ID == "" {
		return errors.New("checkout response returned empty order id")
	}

	switch {
	case r.cfg.mode == modeCheckoutCancel || (r.cfg.mode == modeCheckout && shouldCancel(index, r.cfg.cancelRate)):
		body := map[string]string{"reason": "load-cancel", "actor": "loadtest"}
		status, err = r.api.post(ctx, "CancelOrder", "/v1/orders/"+created.Order.ID+"/cancel", "", body, nil)
	case r.cfg.mode == modeCheckoutRefund:
		body := map[string]string{"amount": created.Order.Total.StringFixed(2), "reason": "requested_by_customer"}
		status, err = r.api.post(ctx, "CreateRefund", "/v1/payments/"+created.Payment.ID+"/refunds", "", body, nil)
	}
	return err
}

func (r *runner) checkoutRequest(index int) map[string]any {
	return map[string]any{
		"user_id":           fmt.Sprintf("%s-%s-%d", r.cfg.customerTag, r.runID, index),
		"currency":          r.cfg.currency,
		"payment_method":    "card",
		"payment_method_id": "pm_card_visa",
		"items": []map[string]any{{
			"product_id": r.cfg.sku,
			"sku":        r.cfg.sku,
			"name":       "load item",
			"quantity":   defaultQty,
			"unit_price": r.cfg.unitPrice.StringFixed(2),
		}},
		"shipping_address": map[string]string{
			"full_name":   "Load Test",
			"line1":       "1 Load St",
			"city":        "Testville",
			"postal_code": "00000",
			"country":     "US",
		},
	}
}

func shouldCancel(index, cancelRate int) bool {
	switch {
	case cancelRate <= 0:
		return false
	case cancelRate >= 100:
		return true
	default:
		return index%100 < cancelRate
	}
}
