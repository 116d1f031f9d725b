package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpCore/internal/clearinghouse"
	"PerpCore/internal/market"
	"PerpCore/internal/observability"
	"PerpCore/internal/perperr"
)

// Server exposes the read-only HTTP/JSON API plus health and metrics
// endpoints. All account figures are computed from live in-memory state,
// so responses are always consistent with the clearinghouse.
type Server struct {
	http   *http.Server
	log    zerolog.Logger
	health *observability.HealthChecker

	ch      *clearinghouse.Clearinghouse
	markets *market.Registry
}

func New(addr string, ch *clearinghouse.Clearinghouse, markets *market.Registry, health *observability.HealthChecker) *Server {
	s := &Server{
		log:     observability.NewLogger("http"),
		health:  health,
		ch:      ch,
		markets: markets,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", s.handleMarkets)
		r.Get("/insurance", s.handleInsurance)
		r.Route("/accounts/{trader}", func(r chi.Router) {
			r.Get("/margin", s.handleMargin)
			r.Get("/liquidatable", s.handleLiquidatable)
			r.Get("/positions/{market}", s.handlePosition)
			r.Get("/funding/{market}", s.handleFunding)
		})
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type marketInfo struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	VenueFeeRatio   string `json:"venue_fee_ratio"`
	SettlementPrice string `json:"settlement_price,omitempty"`
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	out := make([]marketInfo, 0)
	for _, m := range s.markets.All() {
		info := marketInfo{
			ID:            m.ID,
			Status:        m.Status().String(),
			VenueFeeRatio: m.VenueFeeRatio.String(),
		}
		if m.IsClosed() {
			info.SettlementPrice = m.ClosedPrice().String()
		}
		out = append(out, info)
	}
	s.writeJSON(w, "markets", http.StatusOK, out)
}

func (s *Server) handleInsurance(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, "insurance", http.StatusOK, map[string]string{
		"capacity": s.ch.InsuranceCapacity().String(),
	})
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request) {
	trader, ok := s.traderParam(w, r, "margin")
	if !ok {
		return
	}
	accountValue, err := s.ch.AccountValue(trader)
	if err != nil {
		s.writeError(w, "margin", err)
		return
	}
	free, err := s.ch.FreeCollateral(trader)
	if err != nil {
		s.writeError(w, "margin", err)
		return
	}
	s.writeJSON(w, "margin", http.StatusOK, map[string]string{
		"account_value":   accountValue.String(),
		"free_collateral": free.String(),
	})
}

func (s *Server) handleLiquidatable(w http.ResponseWriter, r *http.Request) {
	trader, ok := s.traderParam(w, r, "liquidatable")
	if !ok {
		return
	}
	liquidatable, err := s.ch.IsLiquidatable(trader)
	if err != nil {
		s.writeError(w, "liquidatable", err)
		return
	}
	s.writeJSON(w, "liquidatable", http.StatusOK, map[string]bool{
		"liquidatable": liquidatable,
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	trader, ok := s.traderParam(w, r, "position")
	if !ok {
		return
	}
	marketID, ok := s.marketParam(w, r, "position")
	if !ok {
		return
	}
	size, openNotional, err := s.ch.PositionOf(trader, marketID)
	if err != nil {
		s.writeError(w, "position", err)
		return
	}
	s.writeJSON(w, "position", http.StatusOK, map[string]string{
		"market_id":     marketID,
		"size":          size.String(),
		"open_notional": openNotional.String(),
	})
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request) {
	trader, ok := s.traderParam(w, r, "funding")
	if !ok {
		return
	}
	marketID, ok := s.marketParam(w, r, "funding")
	if !ok {
		return
	}
	pending, err := s.ch.PendingFunding(trader, marketID)
	if err != nil {
		s.writeError(w, "funding", err)
		return
	}
	s.writeJSON(w, "funding", http.StatusOK, map[string]string{
		"market_id":       marketID,
		"pending_payment": pending.String(),
	})
}

func (s *Server) traderParam(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	trader, err := uuid.Parse(chi.URLParam(r, "trader"))
	if err != nil {
		s.writeJSON(w, endpoint, http.StatusBadRequest, map[string]string{"error": "invalid trader id"})
		return uuid.Nil, false
	}
	return trader, true
}

func (s *Server) marketParam(w http.ResponseWriter, r *http.Request, endpoint string) (string, bool) {
	marketID := chi.URLParam(r, "market")
	if _, ok := s.markets.Get(marketID); !ok {
		s.writeJSON(w, endpoint, http.StatusNotFound, map[string]string{"error": "unknown market"})
		return "", false
	}
	return marketID, true
}

func (s *Server) writeError(w http.ResponseWriter, endpoint string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, perperr.ErrStalePrice) {
		status = http.StatusServiceUnavailable
	}
	s.log.Warn().Err(err).Str("endpoint", endpoint).Msg("query failed")
	s.writeJSON(w, endpoint, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, endpoint string, status int, body any) {
	observability.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
