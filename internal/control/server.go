// Package control serves the operator surface over HTTP: start/stop, manual
// instrument switch, risk thresholds, window size, status and /metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"deriv-digit-bot-go/internal/bot"
	"deriv-digit-bot-go/internal/risk"

	"go.uber.org/zap"
)

// Bot is the part of the trading bot the control surface drives.
type Bot interface {
	Start() error
	Stop()
	SwitchInstrument(ctx context.Context, symbol string) error
	SetRiskThresholds(tp, sl float64) risk.Verdict
	SetWindowSize(n int) int
	Status() bot.Status
}

// Server is the HTTP control server.
type Server struct {
	httpServer *http.Server
	bot        Bot
	logger     *zap.Logger
}

// NewServer creates a server bound to addr. metrics may be nil.
func NewServer(addr string, b Bot, metrics http.Handler, logger *zap.Logger) *Server {
	s := &Server{bot: b, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("POST /switch", s.handleSwitch)
	mux.HandleFunc("POST /risk", s.handleRisk)
	mux.HandleFunc("POST /window", s.handleWindow)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("control server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// POST /start
func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.bot.Start(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// POST /stop
func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.bot.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// POST /switch?symbol=R_50
func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, errors.New("symbol is required"))
		return
	}
	err := s.bot.SwitchInstrument(r.Context(), symbol)
	switch {
	case errors.Is(err, bot.ErrUnknownSymbol):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, bot.ErrNotConnected), errors.Is(err, bot.ErrClosed):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol})
	}
}

// POST /risk?tp=5&sl=10. A missing parameter keeps the current value.
func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	current := s.bot.Status().Thresholds
	tp, _ := current.TakeProfit.Float64()
	sl, _ := current.StopLoss.Float64()

	q := r.URL.Query()
	for name, dst := range map[string]*float64{"tp": &tp, "sl": &sl} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New(name+" must be a number"))
			return
		}
		*dst = f
	}

	verdict := s.bot.SetRiskThresholds(tp, sl)
	writeJSON(w, http.StatusOK, map[string]any{
		"thresholds": s.bot.Status().Thresholds,
		"verdict":    verdict.String(),
	})
}

// POST /window?n=500
func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("n must be an integer"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"window_size": s.bot.SetWindowSize(n)})
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bot.Status())
}
