package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Ticks.WithLabelValues("R_100").Inc()
	m.Ticks.WithLabelValues("R_100").Inc()
	m.Settlements.WithLabelValues("WIN").Inc()
	m.SetSessionPL(decimal.RequireFromString("-1.25"))
	m.SetBalance(decimal.NewFromInt(998))
	m.SetTradingEnabled(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Ticks.WithLabelValues("R_100")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Settlements.WithLabelValues("WIN")))
	assert.Equal(t, -1.25, testutil.ToFloat64(m.SessionPL))
	assert.Equal(t, 998.0, testutil.ToFloat64(m.Balance))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradingEnabled))

	m.SetTradingEnabled(false)
	assert.Zero(t, testutil.ToFloat64(m.TradingEnabled))
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.Rotations.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "digitbot_rotations_total 1")
}
