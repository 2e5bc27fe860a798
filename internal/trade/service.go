// Package trade provides the HTTP handlers for managing pools, placing and
// cancelling trading orders, and reading the executed transfer feed.
//
// Capacities travel as MW decimal strings and prices as decimal strings;
// neither is ever a float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/energypool/pool-engine/internal/ledger"
	"github.com/energypool/pool-engine/internal/model"
	"github.com/energypool/pool-engine/internal/orderbook"
	"github.com/energypool/pool-engine/internal/store"
)

// PoolWatcher is told when pools come and go so it can run their
// background expiry.
type PoolWatcher interface {
	Watch(poolID string)
	Forget(poolID string)
}

// Service handles pool, order and transfer requests. Concurrency control
// lives in the ledger and the book; handlers hold no locks.
type Service struct {
	ledger  *ledger.Ledger
	book    *orderbook.Book
	store   store.Store
	watcher PoolWatcher // optional
}

// NewService creates a new trade service.
// Pass nil for watcher if pools need no background expiry.
func NewService(l *ledger.Ledger, b *orderbook.Book, st store.Store, watcher PoolWatcher) *Service {
	return &Service{
		ledger:  l,
		book:    b,
		store:   st,
		watcher: watcher,
	}
}

// Routes registers the API on r. The caller mounts it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/pools", s.ListPools)
	r.Post("/pools", s.CreatePool)
	r.Get("/pools/{poolID}", s.GetPool)
	r.Delete("/pools/{poolID}", s.RetirePool)
	r.Post("/pools/{poolID}/resize", s.ResizePool)
	r.Post("/pools/{poolID}/drain", s.DrainPool)
	r.Get("/pools/{poolID}/reservations", s.ListReservations)
	r.Get("/pools/{poolID}/orders", s.ListOrders)
	r.Post("/pools/{poolID}/orders", s.PlaceOrder)
	r.Post("/pools/{poolID}/match", s.Match)

	r.Get("/orders/{orderID}", s.GetOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)
	r.Get("/orders/{orderID}/fills", s.GetFills)

	r.Get("/transfers", s.ListTransfers)
	r.Get("/transfers/{transferID}", s.GetTransfer)
	r.Post("/transfers/{transferID}/execute", s.ExecuteTransfer)
}

// --- Request/Response types ---

// CreatePoolRequest is the JSON body for POST /pools.
type CreatePoolRequest struct {
	Name          string         `json:"name"`
	TotalCapacity model.Capacity `json:"total_capacity"` // MW
}

// CapacityRequest is the JSON body for resize and drain.
type CapacityRequest struct {
	Delta  model.Capacity `json:"delta,omitempty"`  // resize, may be negative
	Amount model.Capacity `json:"amount,omitempty"` // drain
}

// PlaceOrderRequest is the JSON body for POST /pools/{poolID}/orders.
type PlaceOrderRequest struct {
	Side       model.Side      `json:"side"` // "buy" or "sell"
	Quantity   model.Capacity  `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"` // 0 → server default
}

// MatchResponse reports a matching pass. Errors carries any order that was
// cancelled after repeated settlement failures.
type MatchResponse struct {
	Transfers []model.Transfer `json:"transfers"`
	Errors    []ErrorResponse  `json:"errors,omitempty"`
}

// PlaceOrderResponse is the placed order after the matching pass it
// triggered.
type PlaceOrderResponse struct {
	Order model.TradingOrder `json:"order"`
	MatchResponse
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	PoolID  string `json:"pool_id,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

// --- Pools ---

// CreatePool handles POST /api/v1/pools
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	pool, err := s.ledger.CreatePool(r.Context(), req.Name, req.TotalCapacity)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.watcher != nil {
		s.watcher.Watch(pool.ID)
	}
	writeJSON(w, http.StatusCreated, pool)
}

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Pools())
}

// GetPool handles GET /api/v1/pools/{poolID}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.ledger.Pool(chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// ResizePool handles POST /api/v1/pools/{poolID}/resize
func (s *Service) ResizePool(w http.ResponseWriter, r *http.Request) {
	var req CapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	pool, err := s.ledger.Resize(r.Context(), chi.URLParam(r, "poolID"), req.Delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// DrainPool handles POST /api/v1/pools/{poolID}/drain
// Returns delivered (utilized) capacity to available.
func (s *Service) DrainPool(w http.ResponseWriter, r *http.Request) {
	var req CapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	pool, err := s.ledger.Drain(r.Context(), chi.URLParam(r, "poolID"), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// RetirePool handles DELETE /api/v1/pools/{poolID}
// The pool is tombstoned, not removed; it stays readable.
func (s *Service) RetirePool(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	pool, err := s.ledger.Retire(r.Context(), poolID)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.watcher != nil {
		s.watcher.Forget(poolID)
	}
	writeJSON(w, http.StatusOK, pool)
}

// ListReservations handles GET /api/v1/pools/{poolID}/reservations
func (s *Service) ListReservations(w http.ResponseWriter, r *http.Request) {
	reservations, err := s.ledger.Reservations(chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservations)
}

// --- Orders ---

// PlaceOrder handles POST /api/v1/pools/{poolID}/orders
// Places the order, then runs a matching pass on the pool.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, model.Errorf(model.KindInvalidQuantity, "ttl_seconds must not be negative"))
		return
	}

	ctx := r.Context()
	poolID := chi.URLParam(r, "poolID")
	order, err := s.book.PlaceOrder(ctx, orderbook.PlaceRequest{
		PoolID:     poolID,
		Side:       req.Side,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := PlaceOrderResponse{MatchResponse: s.match(ctx, poolID)}
	if current, err := s.book.Order(order.ID); err == nil {
		order = current
	}
	resp.Order = order
	writeJSON(w, http.StatusCreated, resp)
}

// Match handles POST /api/v1/pools/{poolID}/match
func (s *Service) Match(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	if _, err := s.ledger.Pool(poolID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.match(r.Context(), poolID))
}

func (s *Service) match(ctx context.Context, poolID string) MatchResponse {
	transfers, err := s.book.Match(ctx, poolID)
	resp := MatchResponse{Transfers: transfers}
	if resp.Transfers == nil {
		resp.Transfers = []model.Transfer{}
	}
	if err != nil {
		slog.Warn("matching pass reported errors", "pool_id", poolID, "err", err)
		resp.Errors = errorResponses(err)
	}
	return resp
}

// ListOrders handles GET /api/v1/pools/{poolID}/orders
// Reads the store so orders closed before a restart are included.
// Optional ?state= filter.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	if _, err := s.ledger.Pool(poolID); err != nil {
		writeError(w, err)
		return
	}
	orders, err := s.store.ListOrders(r.Context(), poolID)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []model.TradingOrder{}
	}

	if v := r.URL.Query().Get("state"); v != "" {
		var state model.OrderState
		if err := state.UnmarshalText([]byte(v)); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		filtered := []model.TradingOrder{}
		for _, o := range orders {
			if o.State == state {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/orders/{orderID}
// Open orders come from the book; orders closed before the last restart
// come from the store.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderID")
	order, err := s.book.Order(id)
	if errors.Is(err, model.ErrNotFound) {
		var stored *model.TradingOrder
		if stored, err = s.store.GetOrder(r.Context(), id); err == nil {
			order = *stored
		} else if errors.Is(err, store.ErrNotFound) {
			err = model.Errorf(model.KindNotFound, "unknown order").WithOrder(id)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.book.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetFills handles GET /api/v1/orders/{orderID}/fills
func (s *Service) GetFills(w http.ResponseWriter, r *http.Request) {
	fills, err := s.book.Fills(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if fills == nil {
		fills = []model.Transfer{}
	}
	writeJSON(w, http.StatusOK, fills)
}

// --- Transfers ---

// ListTransfers handles GET /api/v1/transfers
// Returns executed transfers in settlement order. Optional filters:
// pool_id, since (RFC 3339, compared with the settlement time), limit.
func (s *Service) ListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.TransferFilter{
		PoolID: q.Get("pool_id"),
		State:  model.TransferExecuted,
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be RFC 3339")
			return
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	transfers, err := s.store.ListTransfers(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if transfers == nil {
		transfers = []model.Transfer{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

// GetTransfer handles GET /api/v1/transfers/{transferID}
func (s *Service) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transferID")
	t, err := s.store.GetTransfer(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = (&model.Error{Kind: model.KindNotFound, Err: err}).WithTransfer(id)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ExecuteTransfer handles POST /api/v1/transfers/{transferID}/execute
// Settles a transfer left Pending, e.g. after a crash mid-match.
func (s *Service) ExecuteTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := s.book.ExecutePending(r.Context(), chi.URLParam(r, "transferID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Responses ---

// statusOf maps an error kind to its HTTP status.
func statusOf(kind model.ErrorKind) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindInvalidQuantity, model.KindInvalidPrice:
		return http.StatusBadRequest
	case model.KindInsufficientCapacity, model.KindInvalidState, model.KindReservationExpired:
		return http.StatusConflict
	case model.KindSettlementFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Kind: model.KindOf(err).String()}
	var e *model.Error
	if errors.As(err, &e) {
		resp.PoolID = e.PoolID
		resp.OrderID = e.OrderID
	}
	return resp
}

// errorResponses flattens a joined error.
func errorResponses(err error) []ErrorResponse {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []ErrorResponse
		for _, e := range joined.Unwrap() {
			out = append(out, errorResponse(e))
		}
		return out
	}
	return []ErrorResponse{errorResponse(err)}
}

// writeError writes a JSON error response with the status for its kind.
func writeError(w http.ResponseWriter, err error) {
	status := statusOf(model.KindOf(err))
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorResponse(err))
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Kind: "invalid_request"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
