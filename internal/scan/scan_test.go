package scan

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketscan/scanner/internal/httpclient"
	"github.com/marketscan/scanner/internal/numerics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeFundamentalsMergesStatements(t *testing.T) {
	raw := json.RawMessage(`{
		"General": {"CurrencyCode": "USD", "CountryISO": "US"},
		"Highlights": {"Beta": "1.2", "MarketCapitalization": 2500000000},
		"Financials": {
			"Income_Statement": {"yearly": {
				"2023-12-31": {"totalRevenue": "1000", "ebit": "150"},
				"2022-12-31": {"totalRevenue": "900", "ebit": "120"}
			}},
			"Cash_Flow": {"yearly": {
				"2023-12-31": {"capitalExpenditures": "-80"}
			}},
			"Balance_Sheet": {"yearly": {
				"2023-12-31": {"cashAndEquivalents": "200"}
			}}
		}
	}`)

	var d symbolData
	require.NoError(t, decodeFundamentals(raw, &d))

	require.Len(t, d.periods, 2)
	assert.True(t, d.periods[0].Date.Before(d.periods[1].Date), "periods should be ordered oldest-first")

	latest := d.periods[1]
	assert.Equal(t, 1000.0, latest.Fields["totalRevenue"])
	assert.Equal(t, -80.0, latest.Fields["capitalExpenditures"], "statements should merge into one period")

	assert.Equal(t, "USD", d.currency)
	assert.Equal(t, "US", d.country)
	assert.Equal(t, 1.2, d.beta)
	assert.Equal(t, 2.5e9, d.marketCap)
	assert.Equal(t, 200.0, d.cash)
}

func TestDecodeFundamentalsRejectsMalformedPayload(t *testing.T) {
	var d symbolData
	assert.Error(t, decodeFundamentals(json.RawMessage(`["not an object"]`), &d))
}

func TestDividendMetricsTTMAndGrowth(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	series := []numerics.DatedValue{
		{Date: now.AddDate(-2, 0, 0), Value: 1.0, Valid: true},
		{Date: now.AddDate(-1, -6, 0), Value: 1.0, Valid: true},
		{Date: now.AddDate(0, -6, 0), Value: 1.5, Valid: true},
		{Date: now, Value: 1.5, Valid: true},
	}

	ttm, growth := dividendMetrics(series)
	require.NotNil(t, ttm)
	assert.InDelta(t, 3.0, *ttm, 1e-9)
	require.NotNil(t, growth)
	assert.Positive(t, *growth)
}

func TestDividendMetricsEmptySeries(t *testing.T) {
	ttm, growth := dividendMetrics(nil)
	assert.Nil(t, ttm)
	assert.Nil(t, growth)
}

func TestPauseOnRateLimitOnlyFor429(t *testing.T) {
	p := New(nil, nil, discardLogger(), "US")

	assert.True(t, p.PauseOnRateLimit(&httpclient.StatusError{StatusCode: 429}))
	assert.False(t, p.PauseOnRateLimit(&httpclient.StatusError{StatusCode: 500}))
	assert.False(t, p.PauseOnRateLimit(errors.New("network down")))
	assert.False(t, p.PauseOnRateLimit(nil))
}

func TestQuotaRecoveredAfterCooldown(t *testing.T) {
	p := New(nil, nil, discardLogger(), "US")

	assert.True(t, p.QuotaRecovered(), "fresh pipeline should report quota recovered")

	require.True(t, p.PauseOnRateLimit(&httpclient.StatusError{StatusCode: 429}))
	assert.False(t, p.QuotaRecovered(), "quota should not recover immediately after a 429")

	p.mu.Lock()
	p.lastRateLimit = time.Now().Add(-p.rateLimitCooldown - time.Minute)
	p.mu.Unlock()
	assert.True(t, p.QuotaRecovered(), "quota should recover after the cooldown elapses")
}
