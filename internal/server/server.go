// Package server is a thin HTTP gateway in front of the engine: order entry,
// cancel, amend, depth and stats, plus the Prometheus scrape endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
	tomb "gopkg.in/tomb.v2"

	"meridian/internal/common"
	"meridian/internal/engine"
)

const (
	defaultDepth       = 10
	readHeaderTimeout  = 5 * time.Second
	defaultStopTimeout = 5 * time.Second
)

type Server struct {
	eng     *engine.Engine
	address string
	port    uint16
	mux     *http.ServeMux
}

// NewServer wires the routes. A nil gatherer leaves /metrics unrouted.
func NewServer(eng *engine.Engine, address string, port uint16, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		eng:     eng,
		address: address,
		port:    port,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /orders", s.placeOrder)
	s.mux.HandleFunc("GET /orders/{symbol}/{id}", s.getOrder)
	s.mux.HandleFunc("DELETE /orders/{symbol}/{id}", s.cancelOrder)
	s.mux.HandleFunc("PATCH /orders/{symbol}/{id}", s.amendOrder)
	s.mux.HandleFunc("GET /depth/{symbol}", s.depth)
	s.mux.HandleFunc("GET /stats", s.stats)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	t.Go(func() error {
		log.Info().Str("address", listener.Addr().String()).Msg("gateway listening")
		if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	t.Go(func() error {
		<-t.Dying()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
		defer cancel()
		log.Info().Msg("gateway shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	err = t.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type orderRequest struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Owner    string `json:"owner"`
}

func (req orderRequest) order() (common.Order, error) {
	side, err := common.ParseSide(req.Side)
	if err != nil {
		return common.Order{}, err
	}
	typ, err := common.ParseOrderType(req.Type)
	if err != nil {
		return common.Order{}, err
	}
	qty, err := common.ParseQuantity(req.Quantity)
	if err != nil {
		return common.Order{}, fmt.Errorf("%w: %w", common.ErrInvalidOrder, err)
	}
	var price common.Price
	if typ == common.LimitOrder || req.Price != "" {
		if price, err = common.ParsePrice(req.Price); err != nil {
			return common.Order{}, fmt.Errorf("%w: %w", common.ErrInvalidOrder, err)
		}
	}
	return common.Order{
		ID:       req.ID,
		Symbol:   strings.ToUpper(req.Symbol),
		Type:     typ,
		Side:     side,
		Price:    price,
		Quantity: qty,
		Owner:    req.Owner,
	}, nil
}

type amendRequest struct {
	Price    common.Price    `json:"price"`
	Quantity common.Quantity `json:"quantity"`
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %w", common.ErrInvalidOrder, err))
		return
	}
	order, err := req.order()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.eng.Submit(order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := s.eng.Order(strings.ToUpper(r.PathValue("symbol")), r.PathValue("id"))
	if !ok {
		writeError(w, common.ErrOrderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, orderView(order))
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.eng.Cancel(strings.ToUpper(r.PathValue("symbol")), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderView(order))
}

func (s *Server) amendOrder(w http.ResponseWriter, r *http.Request) {
	var req amendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %w", common.ErrInvalidOrder, err))
		return
	}
	order, trades, err := s.eng.Amend(strings.ToUpper(r.PathValue("symbol")), r.PathValue("id"), req.Price, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []common.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": orderView(order), "trades": trades})
}

func (s *Server) depth(w http.ResponseWriter, r *http.Request) {
	levels := defaultDepth
	if raw := r.URL.Query().Get("levels"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "levels must be an integer", http.StatusBadRequest)
			return
		}
		levels = n
	}
	writeJSON(w, http.StatusOK, s.eng.Depth(strings.ToUpper(r.PathValue("symbol")), levels))
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Stats())
}

type orderJSON struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      common.Side     `json:"side"`
	Type      string          `json:"type"`
	Price     common.Price    `json:"price"`
	Quantity  common.Quantity `json:"quantity"`
	Remaining common.Quantity `json:"remaining"`
	Status    string          `json:"status"`
	Owner     string          `json:"owner,omitempty"`
}

func orderView(o common.Order) orderJSON {
	return orderJSON{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Type:      o.Type.String(),
		Price:     o.Price,
		Quantity:  o.Quantity,
		Remaining: o.Remaining,
		Status:    o.Status.String(),
		Owner:     o.Owner,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrBookOffline):
		return http.StatusConflict
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrEngineNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}

// ---- Utility Methods ----
func (s *Server) String() string {
	return fmt.Sprintf("Address: %s\nPort:    %d\n", s.address, s.port)
}
