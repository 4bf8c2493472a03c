package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, mode := range []loadMode{modeCheckout, modeCheckoutCancel, modeCheckoutRefund} {
		got, err := parseMode(" " + string(mode) + " ")
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}

	_, err := parseMode("refund-storm")
	assert.ErrorContains(t, err, "unsupported mode")
}

func TestParseConfig(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		cfg, err := parseConfig([]string{
			"-addr=http://127.0.0.1:8080/",
			"-mode=checkout-refund",
			"-total=12",
			"-concurrency=3",
			"-connections=2",
			"-timeout=2s",
			"-currency=EUR",
			"-unit-price=9.99",
		})
		require.NoError(t, err)
		assert.True(t, cfg.totalSet)
		assert.Equal(t, "http://127.0.0.1:8080", cfg.baseURL)
		assert.Equal(t, modeCheckoutRefund, cfg.mode)
		assert.Equal(t, 12, cfg.total)
		assert.Equal(t, 2*time.Second, cfg.timeout)
		assert.Equal(t, "9.99", cfg.unitPrice.String())
		assert.Equal(t, "count:12", runTarget(cfg))
	})

	t.Run("duration mode", func(t *testing.T) {
		cfg, err := parseConfig([]string{"-duration=3s"})
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, cfg.duration)
		assert.False(t, cfg.totalSet)
		assert.Equal(t, "duration:3s", runTarget(cfg))

		cfg, err = parseConfig([]string{"-duration=3s", "-total=5"})
		require.NoError(t, err)
		assert.Equal(t, "duration:3s,max-total:5", runTarget(cfg))
	})

	t.Run("validation errors", func(t *testing.T) {
		tests := []struct {
			name    string
			args    []string
			wantErr string
		}{
			{name: "invalid duration", args: []string{"-duration=bad"}, wantErr: "invalid value"},
			{name: "negative duration", args: []string{"-duration=-1s"}, wantErr: "duration must be >= 0"},
			{name: "invalid cancel rate", args: []string{"-cancel-rate=101"}, wantErr: "cancel-rate must be between 0 and 100"},
			{name: "empty total", args: []string{"-duration=0s", "-total=0"}, wantErr: "total must be > 0"},
			{name: "zero total with duration", args: []string{"-duration=1s", "-total=0"}, wantErr: "explicitly set with duration"},
			{name: "zero concurrency", args: []string{"-concurrency=0"}, wantErr: "concurrency must be > 0"},
			{name: "bad price", args: []string{"-unit-price=free"}, wantErr: "parse unit-price"},
			{name: "zero price", args: []string{"-unit-price=0"}, wantErr: "unit-price must be > 0"},
			{name: "empty addr", args: []string{"-addr= "}, wantErr: "addr is required"},
			{name: "empty sku", args: []string{"-sku= "}, wantErr: "sku is required"},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				_, err := parseConfig(tc.args)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			})
		}
	})
}

func TestWriteJSONReport(t *testing.T) {
	t.Chdir(t.TempDir())

	assert.ErrorContains(t, writeJSONReport(".", report{}), "must point to a file")
	assert.ErrorContains(t, writeJSONReport("../escape.json", report{}), "inside current directory")

	want := report{TotalScenarios: 2, SuccessScenarios: 2, Calls: map[string]callReport{"Checkout": {Calls: 2, Success: 2}}}
	require.NoError(t, writeJSONReport("report.json", want))

	raw, err := os.ReadFile(filepath.Join(".", "report.json"))
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, int64(2), decoded.TotalScenarios)
	assert.Equal(t, int64(2), decoded.Calls["Checkout"].Success)
}

func TestPrintReport(t *testing.T) {
	r := report{
		TotalScenarios:   2,
		SuccessScenarios: 2,
		Calls: map[string]callReport{
			scenarioCall:  {Calls: 2, Success: 2},
			"Checkout":    {Calls: 2, Success: 2},
			"CancelOrder": {Calls: 1, Failed: 1, ErrorRate: 1},
		},
	}

	var out bytes.Buffer
	printReport(&out, r, config{mode: modeCheckout, total: 2})

	text := out.String()
	assert.Contains(t, text, "Load test summary")
	assert.Contains(t, text, "mode=checkout run=count:2 total=2 success=2 failed=0")
	assert.Contains(t, text, "CancelOrder: calls=1 success=0 failed=1 error_rate=1.0000")
	assert.NotContains(t, text, "scenario: calls", "scenario line is the summary, not a call row")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("CancelOrder")), bytes.Index(out.Bytes(), []byte("Checkout:")))
}
