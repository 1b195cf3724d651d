package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"hellopyusd/internal/chain"
	"hellopyusd/internal/config"
	"hellopyusd/internal/hmacauth"
	"hellopyusd/internal/idempotency"
	"hellopyusd/internal/minter"
	"hellopyusd/internal/notify"
)

const idempotencyHeader = "X-Idempotency-Key"

// Minter is the orchestrator surface the API exposes.
type Minter interface {
	Evaluate(ctx context.Context) (minter.View, error)
	Act(ctx context.Context) (minter.View, error)
	Info(ctx context.Context) (minter.MintInfo, error)
	Metadata(ctx context.Context, id *big.Int) (minter.Metadata, error)
	Preview(ctx context.Context) (minter.Preview, error)
	OwnerPanel(ctx context.Context) (minter.OwnerPanel, error)
	Withdraw(ctx context.Context) (minter.OwnerPanel, error)
	Transactions() minter.Transactions
}

// Notifications lists the toasts currently shown.
type Notifications interface {
	Active() []notify.Toast
}

type Deps struct {
	Minter  Minter
	Toasts  Notifications
	Store   idempotency.Store
	Metrics *Metrics
	RPC     chain.HealthChecker
	Logger  zerolog.Logger
}

type Server struct {
	cfg         *config.AppConfig
	minter      Minter
	toasts      Notifications
	store       idempotency.Store
	ownerAuth   *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *Metrics
	logger      zerolog.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		cfg:    cfg,
		minter: deps.Minter,
		toasts: deps.Toasts,
		store:  deps.Store,
		ownerAuth: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: metrics,
		logger:  deps.Logger,
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if deps.RPC != nil {
		s.rpcHealthFn = deps.RPC.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := chi.NewMux()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(s.logRequests)
	mux.Use(s.recoverer)
	mux.Use(newCORS(s.cfg.Service.AllowedOrigins))

	limited := func(next http.Handler) http.Handler { return next }
	if s.cfg.Service.RatePerMinute > 0 {
		limited = httprate.LimitByIP(s.cfg.Service.RatePerMinute, time.Minute)
	}

	mux.Route("/api/v1", func(r chi.Router) {
		r.Get("/mint", s.handleView)
		r.With(limited).Post("/mint", s.handleAct)
		r.Get("/mint/info", s.handleInfo)
		r.Get("/mint/preview", s.handlePreview)
		r.Get("/tokens/{id}", s.handleToken)
		r.Get("/notifications", s.handleNotifications)
		r.Get("/owner", s.handleOwner)
		r.With(limited, s.ownerAuth.Middleware).Post("/owner/withdraw", s.handleWithdraw)
		r.Handle("/metrics", s.metrics.handler())
		r.Get("/health", s.handleHealth)
	})
	return mux
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type viewResponse struct {
	View         minter.View         `json:"view"`
	Transactions minter.Transactions `json:"transactions"`
}

type actionResponse struct {
	Action string `json:"action"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string       `json:"error"`
	View  *minter.View `json:"view,omitempty"`
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	v, err := s.minter.Evaluate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{View: v, Transactions: s.minter.Transactions()})
}

func (s *Server) handleAct(w http.ResponseWriter, r *http.Request) {
	s.replayOr(w, r, "mint", func(ctx context.Context) (int, interface{}, bool) {
		v, err := s.minter.Act(ctx)
		switch {
		case err == nil:
			return http.StatusAccepted, actionResponse{Action: string(v.Kind), Label: v.Label, Status: "submitted"}, true
		case errors.Is(err, minter.ErrNotConnected), errors.Is(err, minter.ErrActionUnavailable):
			return http.StatusConflict, errorResponse{Error: err.Error(), View: &v}, false
		default:
			return http.StatusInternalServerError, errorResponse{Error: err.Error()}, false
		}
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.replayOr(w, r, "withdraw", func(ctx context.Context) (int, interface{}, bool) {
		panel, err := s.minter.Withdraw(ctx)
		switch {
		case err == nil:
			return http.StatusAccepted, actionResponse{Action: "withdraw", Label: panel.Available + " " + panel.Symbol, Status: "submitted"}, true
		case errors.Is(err, minter.ErrNotOwner):
			return http.StatusForbidden, errorResponse{Error: err.Error()}, false
		case errors.Is(err, minter.ErrNotConnected), errors.Is(err, minter.ErrActionUnavailable):
			return http.StatusConflict, errorResponse{Error: err.Error()}, false
		default:
			return http.StatusInternalServerError, errorResponse{Error: err.Error()}, false
		}
	})
}

// replayOr returns the stored response for a repeated idempotency key, or runs
// fn and stores its response when fn reports it as final. Without a key fn runs
// unconditionally.
func (s *Server) replayOr(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context) (int, interface{}, bool)) {
	ctx := r.Context()
	clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if clientKey == "" {
		status, payload, final := fn(ctx)
		s.countRequest(action, final)
		writeJSON(w, status, payload)
		return
	}
	if existing, err := s.store.Lookup(ctx, action, clientKey); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("lookup idempotency record")
	} else if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incRequest(action, "cached")
		return
	}

	status, payload, final := fn(ctx)
	body, _ := json.Marshal(payload)

	if final {
		kind := action
		if resp, ok := payload.(actionResponse); ok {
			kind = resp.Action
		}
		now := time.Now()
		record := idempotency.Record{
			Action:      action,
			ClientKey:   clientKey,
			Kind:        kind,
			StatusCode:  status,
			Response:    body,
			SubmittedAt: now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Remember(ctx, record); err != nil {
			s.logger.Warn().Err(err).Str("action", action).Msg("store idempotency record")
		}
	}
	s.countRequest(action, final)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) countRequest(action string, final bool) {
	if final {
		s.metrics.incRequest(action, "submitted")
		return
	}
	s.metrics.incRequest(action, "rejected")
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.minter.Info(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id, ok := new(big.Int).SetString(chi.URLParam(r, "id"), 10)
	if !ok || id.Sign() <= 0 {
		http.Error(w, "invalid token id", http.StatusBadRequest)
		return
	}
	meta, err := s.minter.Metadata(r.Context(), id)
	switch {
	case errors.Is(err, minter.ErrLoading):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err, nil)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.minter.Preview(r.Context())
	switch {
	case errors.Is(err, minter.ErrLoading):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err, nil)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	toasts := []notify.Toast{}
	if s.toasts != nil {
		toasts = s.toasts.Active()
	}
	writeJSON(w, http.StatusOK, toasts)
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	panel, err := s.minter.OwnerPanel(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, panel)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error, v *minter.View) {
	writeJSON(w, status, errorResponse{Error: err.Error(), View: v})
}
