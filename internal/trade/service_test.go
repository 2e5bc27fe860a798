package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/energypool/pool-engine/internal/ledger"
	"github.com/energypool/pool-engine/internal/limits"
	"github.com/energypool/pool-engine/internal/model"
	"github.com/energypool/pool-engine/internal/orderbook"
	"github.com/energypool/pool-engine/internal/settlement"
	"github.com/energypool/pool-engine/internal/store"
	"github.com/energypool/pool-engine/internal/trade"
)

// watcher records Watch/Forget calls.
type watcher struct {
	mu      sync.Mutex
	watched map[string]bool
}

func (w *watcher) Watch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[id] = true
}

func (w *watcher) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, id)
}

type testEnv struct {
	router  chi.Router
	ledger  *ledger.Ledger
	store   *store.MemoryStore
	watcher *watcher
}

// newTestEnv wires the full engine on an in-memory store behind a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvOn(t, store.NewMemoryStore())
}

func newTestEnvOn(t *testing.T, ms *store.MemoryStore) *testEnv {
	t.Helper()
	l := ledger.New(ms)
	b := orderbook.New(l, ms, settlement.New(l, ms, nil),
		orderbook.WithLimiter(limits.NewOrderLimiter(model.MW(500), 0)))
	w := &watcher{watched: make(map[string]bool)}
	svc := trade.NewService(l, b, ms, w)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{router: r, ledger: l, store: ms, watcher: w}
}

// restart builds a fresh engine over the same store and restores it.
func (e *testEnv) restart(t *testing.T) *testEnv {
	t.Helper()
	ms := e.store
	l := ledger.New(ms)
	if err := l.Restore(context.Background()); err != nil {
		t.Fatalf("restore ledger: %v", err)
	}
	b := orderbook.New(l, ms, settlement.New(l, ms, nil))
	if err := b.Restore(context.Background()); err != nil {
		t.Fatalf("restore book: %v", err)
	}
	w := &watcher{watched: make(map[string]bool)}
	svc := trade.NewService(l, b, ms, w)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{router: r, ledger: l, store: ms, watcher: w}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func (e *testEnv) createPool(t *testing.T, total string) model.Pool {
	t.Helper()
	w := e.do(t, "POST", "/pools", map[string]string{"name": "alpine-hydro", "total_capacity": total})
	if w.Code != http.StatusCreated {
		t.Fatalf("create pool: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode[model.Pool](t, w)
}

func (e *testEnv) placeOrder(t *testing.T, poolID, side, qty, price string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/pools/"+poolID+"/orders", map[string]string{
		"side": side, "quantity": qty, "limit_price": price,
	})
}

// --- Pools ---

func TestCreatePool(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t, "100")

	if pool.ID == "" {
		t.Error("expected non-empty id")
	}
	if pool.Total != model.MW(100) || pool.Available != model.MW(100) {
		t.Errorf("expected 100 MW total and available, got %s/%s", pool.Total, pool.Available)
	}
	if pool.State != model.PoolActive {
		t.Errorf("expected active pool, got %s", pool.State)
	}
	if !env.watcher.watched[pool.ID] {
		t.Error("new pool should be handed to the sweeper")
	}
}

func TestCreatePool_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	cases := []any{
		map[string]string{"name": "x", "total_capacity": "ten"},
		map[string]string{"total_capacity": "10"},
		map[string]string{"name": "x", "total_capacity": "0.0000000001"},
	}
	for _, body := range cases {
		w := env.do(t, "POST", "/pools", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%v: expected 400, got %d", body, w.Code)
		}
	}

	w := env.do(t, "POST", "/pools", map[string]string{"name": "x", "total_capacity": "1e50000000"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("huge exponent: expected 400, got %d", w.Code)
	}
	if w.Body.Len() > 512 {
		t.Errorf("error body should not echo the expanded value, got %d bytes", w.Body.Len())
	}

	w = env.do(t, "POST", "/pools", map[string]string{"name": "x", "total_capacity": "-5"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative total: expected 400, got %d", w.Code)
	}
	if resp := decode[trade.ErrorResponse](t, w); resp.Kind != "invalid_quantity" {
		t.Errorf("expected kind invalid_quantity, got %q", resp.Kind)
	}
}

func TestGetPool_NotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/pools/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	resp := decode[trade.ErrorResponse](t, w)
	if resp.Kind != "not_found" || resp.PoolID != "nope" {
		t.Errorf("unexpected error body: %+v", resp)
	}
}

func TestListPools(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/pools", nil)
	if w.Code != http.StatusOK || w.Body.String() != "[]\n" {
		t.Fatalf("expected empty list, got %d %q", w.Code, w.Body.String())
	}

	env.createPool(t, "1")
	env.createPool(t, "2")
	pools := decode[[]model.Pool](t, env.do(t, "GET", "/pools", nil))
	if len(pools) != 2 {
		t.Errorf("expected 2 pools, got %d", len(pools))
	}
}

func TestResizeDrainRetire(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t, "10")

	w := env.do(t, "POST", "/pools/"+pool.ID+"/resize", map[string]string{"delta": "5"})
	if w.Code != http.StatusOK {
		t.Fatalf("resize: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if p := decode[model.Pool](t, w); p.Total != model.MW(15) {
		t.Errorf("expected total 15, got %s", p.Total)
	}

	w = env.do(t, "POST", "/pools/"+pool.ID+"/drain", map[string]string{"amount": "1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("drain with nothing utilized: expected 400, got %d", w.Code)
	}

	w = env.do(t, "DELETE", "/pools/"+pool.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("retire: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if p := decode[model.Pool](t, w); p.State != model.PoolRetired {
		t.Errorf("expected retired, got %s", p.State)
	}
	if env.watcher.watched[pool.ID] {
		t.Error("retired pool should be forgotten by the sweeper")
	}

	w = env.placeOrder(t, pool.ID, "sell", "1", "5")
	if w.Code != http.StatusConflict {
		t.Errorf("order on retired pool: expected 409, got %d", w.Code)
	}

	w = env.do(t, "GET", "/pools/"+pool.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("retired pool stays readable, got %d", w.Code)
	}
}

// --- Orders ---

func TestPlaceOrder_MatchesScenario(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t, "10")

	w := env.placeOrder(t, pool.ID, "sell", "10", "5")
	if w.Code != http.StatusCreated {
		t.Fatalf("sell: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	sell := decode[trade.PlaceOrderResponse](t, w)
	if len(sell.Transfers) != 0 {
		t.Errorf("lone sell should not trade, got %d transfers", len(sell.Transfers))
	}

	w = env.placeOrder(t, pool.ID, "buy", "6", "5")
	if w.Code != http.StatusCreated {
		t.Fatalf("buy: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	buy := decode[trade.PlaceOrderResponse](t, w)
	if len(buy.Transfers) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(buy.Transfers))
	}
	tr := buy.Transfers[0]
	if tr.Amount != model.MW(6) || !tr.Price.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected 6 MW @ 5, got %s @ %s", tr.Amount, tr.Price)
	}
	if buy.Order.State != model.OrderFilled {
		t.Errorf("buy should be filled, got %s", buy.Order.State)
	}

	s := decode[model.TradingOrder](t, env.do(t, "GET", "/orders/"+sell.Order.ID, nil))
	if s.State != model.OrderPartiallyFilled || s.FilledQuantity != model.MW(6) {
		t.Errorf("sell should be partially filled with 6, got %s %s", s.State, s.FilledQuantity)
	}

	fills := decode[[]model.Transfer](t, env.do(t, "GET", "/orders/"+sell.Order.ID+"/fills", nil))
	if len(fills) != 1 || fills[0].ID != tr.ID {
		t.Errorf("expected one fill %s, got %+v", tr.ID, fills)
	}

	p := decode[model.Pool](t, env.do(t, "GET", "/pools/"+pool.ID, nil))
	if p.Available != 0 || p.Reserved != model.MW(4) || p.Utilized != model.MW(6) {
		t.Errorf("unexpected counters %s/%s/%s", p.Available, p.Reserved, p.Utilized)
	}

	feed := decode[[]model.Transfer](t, env.do(t, "GET", "/transfers?pool_id="+pool.ID, nil))
	if len(feed) != 1 {
		t.Errorf("expected 1 executed transfer in feed, got %d", len(feed))
	}
	got := decode[model.Transfer](t, env.do(t, "GET", "/transfers/"+tr.ID, nil))
	if got.State != model.TransferExecuted {
		t.Errorf("expected executed transfer, got %s", got.State)
	}
}

func TestPlaceOrder_Errors(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t, "10")

	cases := []struct {
		name             string
		side, qty, price string
		status           int
		kind             string
	}{
		{"zero quantity", "buy", "0", "5", http.StatusBadRequest, "invalid_quantity"},
		{"negative price", "buy", "1", "-1", http.StatusBadRequest, "invalid_price"},
		{"over capacity", "sell", "11", "5", http.StatusConflict, "insufficient_capacity"},
		{"over limit", "buy", "501", "5", http.StatusBadRequest, "invalid_quantity"},
		{"bad side", "hold", "1", "5", http.StatusBadRequest, "invalid_request"},
	}
	for _, c := range cases {
		w := env.placeOrder(t, pool.ID, c.side, c.qty, c.price)
		if w.Code != c.status {
			t.Errorf("%s: expected %d, got %d: %s", c.name, c.status, w.Code, w.Body.String())
			continue
		}
		if resp := decode[trade.ErrorResponse](t, w); resp.Kind != c.kind {
			t.Errorf("%s: expected kind %s, got %s", c.name, c.kind, resp.Kind)
		}
	}

	w := env.placeOrder(t, "missing", "buy", "1", "5")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown pool: expected 404, got %d", w.Code)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t, "10")
	sell := decode[trade.PlaceOrderResponse](t, env.placeOrder(t, pool.ID, "sell", "4", "5"))

	w := env.do(t, "DELETE", "/orders/"+sell.Order.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if o := decode[model.TradingOrder](t, w); o.State != model.OrderCancelled {
		t.Errorf("expected cancelled, got %s", o.State)
	}

	w = env.do(t, "DELETE", "/orders/"+sell.Order.ID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second cancel: expected 409, got %d", w.Code)
	}
	if resp := decode[trade.ErrorResponse](t, w); resp.OrderID != sell.Order.ID {
		t.Errorf("error should name the order, got %+v", resp)
	}

	p := decode[model.Pool](t, env.do(t, "GET", "/pools/"+pool.ID, nil))
	if p.Available != model.MW(10) {
		t.Errorf("cancel should release capacity, available %s", p.Available)
	}

	rs := decode[[]model.Reservation](t, env.do(t, "GET", "/pools/"+pool.ID+"/reservations", nil))
	if len(rs) != 1 || rs[0].State != model.ReservationReleased {
		t.Errorf("expected one released reservation, got %+v", rs)
	}
}

func TestListOrders_StateFilter(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t, "10")
	env.placeOrder(t, pool.ID, "sell", "2", "5")
	env.placeOrder(t, pool.ID, "buy", "2", "5")
	env.placeOrder(t, pool.ID, "buy", "1", "1")

	all := decode[[]model.TradingOrder](t, env.do(t, "GET", "/pools/"+pool.ID+"/orders", nil))
	if len(all) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(all))
	}
	filled := decode[[]model.TradingOrder](t, env.do(t, "GET", "/pools/"+pool.ID+"/orders?state=filled", nil))
	if len(filled) != 2 {
		t.Errorf("expected 2 filled orders, got %d", len(filled))
	}
	w := env.do(t, "GET", "/pools/"+pool.ID+"/orders?state=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad state filter: expected 400, got %d", w.Code)
	}
}

func TestClosedOrdersReadableAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t, "10")
	sell := decode[trade.PlaceOrderResponse](t, env.placeOrder(t, pool.ID, "sell", "10", "5"))
	buy := decode[trade.PlaceOrderResponse](t, env.placeOrder(t, pool.ID, "buy", "6", "5"))
	if buy.Order.State != model.OrderFilled {
		t.Fatalf("buy should be filled, got %s", buy.Order.State)
	}

	env = env.restart(t)

	w := env.do(t, "GET", "/orders/"+buy.Order.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("filled order: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if o := decode[model.TradingOrder](t, w); o.State != model.OrderFilled || o.FilledQuantity != model.MW(6) {
		t.Errorf("expected filled 6 MW, got %s %s", o.State, o.FilledQuantity)
	}

	fills := decode[[]model.Transfer](t, env.do(t, "GET", "/orders/"+buy.Order.ID+"/fills", nil))
	if len(fills) != 1 {
		t.Errorf("expected one fill, got %d", len(fills))
	}

	all := decode[[]model.TradingOrder](t, env.do(t, "GET", "/pools/"+pool.ID+"/orders", nil))
	states := map[string]model.OrderState{}
	for _, o := range all {
		states[o.ID] = o.State
	}
	if len(all) != 2 || states[sell.Order.ID] != model.OrderPartiallyFilled || states[buy.Order.ID] != model.OrderFilled {
		t.Errorf("expected the open sell and the filled buy, got %+v", all)
	}

	w = env.do(t, "GET", "/orders/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing order: expected 404, got %d", w.Code)
	}
	if resp := decode[trade.ErrorResponse](t, w); resp.OrderID != "missing" {
		t.Errorf("error should name the order, got %+v", resp)
	}
}

func TestMatchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t, "10")

	w := env.do(t, "POST", "/pools/"+pool.ID+"/match", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode[trade.MatchResponse](t, w); resp.Transfers == nil || len(resp.Transfers) != 0 {
		t.Errorf("expected empty transfer list, got %+v", resp.Transfers)
	}

	w = env.do(t, "POST", "/pools/missing/match", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListTransfers_BadQuery(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"?since=yesterday", "?limit=-1"} {
		w := env.do(t, "GET", "/transfers"+q, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestTransferEndpoints_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "GET", "/transfers/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("get: expected 404, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/transfers/missing/execute", nil); w.Code != http.StatusNotFound {
		t.Errorf("execute: expected 404, got %d", w.Code)
	}
}

func TestWSHub_PublishDropsWhenFull(t *testing.T) {
	hub := trade.NewWSHub()
	tr := model.Transfer{ID: "t", PoolID: "p"}

	// No Run loop: the buffer fills and further publishes are refused.
	var err error
	for i := 0; i < 300 && err == nil; i++ {
		err = hub.Publish(context.Background(), tr)
	}
	if err == nil {
		t.Error("expected an error once the broadcast buffer is full")
	}
}

func TestWSHub_FiltersByPool(t *testing.T) {
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?pool_id=a"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	type result struct {
		msg trade.WSMessage
		err error
	}
	got := make(chan result, 1)
	go func() {
		var r result
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		r.err = conn.ReadJSON(&r.msg)
		got <- r
	}()

	// Registration is asynchronous; publish until the client sees a message.
	var msg trade.WSMessage
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
wait:
	for {
		select {
		case r := <-got:
			if r.err != nil {
				t.Fatalf("read: %v", r.err)
			}
			msg = r.msg
			break wait
		case <-tick.C:
			hub.Publish(ctx, model.Transfer{ID: "tb", PoolID: "b"})
			hub.Publish(ctx, model.Transfer{ID: "ta", PoolID: "a"})
		}
	}
	if msg.Type != "transfer_executed" {
		t.Fatalf("expected a transfer_executed message, got %+v", msg)
	}
	if msg.PoolID != "a" || msg.Transfer == nil || msg.Transfer.ID != "ta" {
		t.Errorf("client subscribed to pool a got %+v", msg)
	}
}
