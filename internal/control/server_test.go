package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"deriv-digit-bot-go/internal/bot"
	"deriv-digit-bot-go/internal/config"
	"deriv-digit-bot-go/internal/models"
	"deriv-digit-bot-go/internal/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockBot struct {
	startErr   error
	switchErr  error
	started    int
	stopped    int
	switchedTo string
	thresholds models.RiskThresholds
	verdict    risk.Verdict
	window     int
}

func (m *mockBot) Start() error {
	m.started++
	return m.startErr
}

func (m *mockBot) Stop() { m.stopped++ }

func (m *mockBot) SwitchInstrument(_ context.Context, symbol string) error {
	if m.switchErr != nil {
		return m.switchErr
	}
	m.switchedTo = symbol
	return nil
}

func (m *mockBot) SetRiskThresholds(tp, sl float64) risk.Verdict {
	m.thresholds = models.RiskThresholds{TakeProfit: decimal.NewFromFloat(tp), StopLoss: decimal.NewFromFloat(sl)}
	return m.verdict
}

func (m *mockBot) SetWindowSize(n int) int {
	m.window = config.ClampWindow(n)
	return m.window
}

func (m *mockBot) Status() bot.Status {
	return bot.Status{Symbol: "R_100", Running: m.started > m.stopped, Thresholds: m.thresholds}
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStartStop(t *testing.T) {
	b := &mockBot{}
	s := NewServer(":0", b, nil, zap.NewNop())

	rec := do(t, s, http.MethodPost, "/start")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, b.started)

	rec = do(t, s, http.MethodPost, "/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, b.stopped)

	b.startErr = bot.ErrNotConnected
	rec = do(t, s, http.MethodPost, "/start")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, bot.ErrNotConnected.Error(), decode(t, rec)["error"])

	rec = do(t, s, http.MethodGet, "/start")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSwitch(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		code   int
	}{
		{name: "ok", target: "/switch?symbol=R_50", code: http.StatusOK},
		{name: "missing symbol", target: "/switch", code: http.StatusBadRequest},
		{name: "unknown symbol", target: "/switch?symbol=X", err: fmt.Errorf("%w: X", bot.ErrUnknownSymbol), code: http.StatusBadRequest},
		{name: "not connected", target: "/switch?symbol=R_50", err: bot.ErrNotConnected, code: http.StatusConflict},
		{name: "venue failure", target: "/switch?symbol=R_50", err: errors.New("subscribe ticks: timeout"), code: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mockBot{switchErr: tt.err}
			rec := do(t, NewServer(":0", b, nil, zap.NewNop()), http.MethodPost, tt.target)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "R_50", b.switchedTo)
			}
		})
	}
}

func TestRiskKeepsMissingThreshold(t *testing.T) {
	b := &mockBot{thresholds: models.RiskThresholds{TakeProfit: decimal.NewFromInt(5), StopLoss: decimal.NewFromInt(3)}}
	s := NewServer(":0", b, nil, zap.NewNop())

	rec := do(t, s, http.MethodPost, "/risk?sl=7.5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, b.thresholds.TakeProfit.Equal(decimal.NewFromInt(5)))
	assert.True(t, b.thresholds.StopLoss.Equal(decimal.RequireFromString("7.5")))
	assert.Equal(t, "continue", decode(t, rec)["verdict"])

	b.verdict = risk.StopLossHit
	rec = do(t, s, http.MethodPost, "/risk?tp=1")
	assert.Equal(t, "stop-loss", decode(t, rec)["verdict"])

	rec = do(t, s, http.MethodPost, "/risk?tp=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWindow(t *testing.T) {
	b := &mockBot{}
	s := NewServer(":0", b, nil, zap.NewNop())

	rec := do(t, s, http.MethodPost, "/window?n=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(config.MinWindowSize), decode(t, rec)["window_size"])

	rec = do(t, s, http.MethodPost, "/window?n=big")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("digitbot_ticks_total 1\n"))
	})
	s := NewServer(":0", &mockBot{}, metrics, zap.NewNop())

	rec := do(t, s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "R_100", decode(t, rec)["symbol"])

	rec = do(t, s, http.MethodGet, "/metrics")
	assert.Contains(t, rec.Body.String(), "digitbot_ticks_total")

	rec = do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, "ok", rec.Body.String())
}
