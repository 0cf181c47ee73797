// Package api is the intake and live-update boundary: order admission over
// REST and per-order transition feeds over WebSocket. Validation failures are
// rejected here and never touch the store or the queue.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/devhyun/dexflow/pkg/notify"
	"github.com/devhyun/dexflow/pkg/order"
	"github.com/devhyun/dexflow/pkg/queue"
	"github.com/devhyun/dexflow/pkg/storage"
)

// Server handles REST order admission and WebSocket subscriptions.
type Server struct {
	store  storage.Store
	queue  *queue.Queue
	bus    *notify.Bus
	router *mux.Router
	log    *zap.SugaredLogger

	// retry budget stamped onto every enqueued job
	maxAttempts int
}

func NewServer(store storage.Store, q *queue.Queue, bus *notify.Bus, maxAttempts int, log *zap.SugaredLogger) *Server {
	s := &Server{
		store:       store,
		queue:       q,
		bus:         bus,
		router:      mux.NewRouter(),
		log:         log,
		maxAttempts: maxAttempts,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{orderId}", s.handleGetOrder).Methods("GET")

	s.router.HandleFunc("/ws/orders/{orderId}", s.handleOrderFeed)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped root handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})
	return c.Handler(s.router)
}

// Start serves HTTP on addr and blocks.
func (s *Server) Start(addr string) error {
	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body", err.Error())
		return
	}

	if err := order.Validate(req.Type, req.Amount); err != nil {
		switch {
		case errors.Is(err, order.ErrInvalidKind):
			respondError(w, http.StatusBadRequest, CodeInvalidOrderKind,
				"invalid order kind", "this engine only supports MARKET orders")
		case errors.Is(err, order.ErrInvalidAmount):
			respondError(w, http.StatusBadRequest, CodeInvalidAmount,
				"invalid amount", "amount must be a finite positive number")
		default:
			respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid order", err.Error())
		}
		return
	}

	o := order.New(uuid.NewString(), req.Type, req.TokenIn, req.TokenOut, req.Amount, time.Now().UTC())
	if err := s.store.Insert(o); err != nil {
		s.log.Errorw("order_insert", "err", err)
		respondError(w, http.StatusInternalServerError, CodeInternal, "failed to persist order", "")
		return
	}
	if err := s.queue.Enqueue(queue.Job{
		OrderID:     o.ID,
		AssetIn:     o.AssetIn,
		AssetOut:    o.AssetOut,
		Amount:      o.Amount,
		MaxAttempts: s.maxAttempts,
	}); err != nil {
		s.log.Errorw("order_enqueue", "order_id", o.ID, "err", err)
		respondError(w, http.StatusInternalServerError, CodeInternal, "failed to queue order", "")
		return
	}

	s.log.Infow("order_accepted", "order_id", o.ID, "pair", o.AssetIn+"-"+o.AssetOut, "amount", o.Amount)
	respondJSON(w, http.StatusAccepted, SubmitOrderResponse{
		OrderID: o.ID,
		Status:  string(o.Status),
		Message: "Order queued",
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["orderId"]
	o, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, order.ErrUnknownOrder) {
			respondError(w, http.StatusNotFound, CodeNotFound, "order not found", "")
			return
		}
		s.log.Errorw("order_get", "order_id", id, "err", err)
		respondError(w, http.StatusInternalServerError, CodeInternal, "failed to load order", "")
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	orders, err := s.store.List(limit)
	if err != nil {
		s.log.Errorw("order_list", "err", err)
		respondError(w, http.StatusInternalServerError, CodeInternal, "failed to list orders", "")
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, errMsg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Code: code, Error: errMsg, Message: detail})
}
