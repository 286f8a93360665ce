package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/pos-checkout/internal/checkout/adapters/memory"
	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
	"github.com/jcmexdev/pos-checkout/internal/coordinator"
	"github.com/jcmexdev/pos-checkout/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/pos-checkout/internal/pkg/events"
	"github.com/jcmexdev/pos-checkout/internal/pkg/idempotency"
	"github.com/jcmexdev/pos-checkout/internal/pkg/metrics"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.SaleCompleted
	err    error
}

func (p *recordingPublisher) PublishSaleCompleted(ctx context.Context, ev events.SaleCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
}

func (c *mapCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = fmt.Sprint(value)
	return nil
}

func (c *mapCache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; ok {
		return false, nil
	}
	c.data[key] = fmt.Sprint(value)
	return true, nil
}

func (c *mapCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *mapCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mapCache) GenerateKey(operation, key string) string { return operation + ":" + key }

type failingSales struct{}

func (failingSales) Append(ctx context.Context, sale *domain.SaleRecord) (string, error) {
	return "", errors.New("disk full")
}

func (failingSales) Get(ctx context.Context, id string) (*domain.SaleRecord, error) {
	return nil, domain.ErrSaleNotFound
}

type fixture struct {
	stock     *memory.StockLedger
	sales     *memory.SalesLedger
	publisher *recordingPublisher
	cache     *mapCache
	metrics   *metrics.ServerMetrics
	router    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		stock: memory.NewStockLedger(
			domain.StockRecord{ProductID: "P1", Name: "Coffee", OnHand: 5},
			domain.StockRecord{ProductID: "P2", Name: "Bagel", OnHand: 0},
		),
		sales:     memory.NewSalesLedger(),
		publisher: &recordingPublisher{},
		cache:     &mapCache{data: map[string]string{}},
	}

	repo, err := sqlite.Open(t.TempDir() + "/checkout_log.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	reg := prometheus.NewRegistry()
	f.metrics = metrics.NewServerMetrics("checkout_api", reg)

	coord := coordinator.New(f.stock, f.sales, coordinator.WithCheckoutLog(repo))
	h := NewHandler(coord, f.sales,
		WithCheckoutLog(repo),
		WithIdempotency(idempotency.NewStore(f.cache, time.Hour)),
		WithPublisher(f.publisher),
	)
	f.router = NewRouter(h, RouterConfig{
		RequestTimeout: 5 * time.Second,
		Metrics:        f.metrics,
		MetricsHandler: metrics.Handler(reg),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

const validCart = `{
	"cart": [{"product_id": "P1", "name": "Coffee", "price": 2.50, "quantity": 3}],
	"user_id": "cashier-1",
	"customer_name": "Ana",
	"total_amount": 7.50
}`

func TestCheckout_Success(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/checkout", validCart, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp CheckoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.TransactionID)
	assert.Equal(t, []domain.StockUpdate{{ProductID: "P1", OldStock: 5, NewStock: 2}}, resp.StockUpdates)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, resp.TransactionID, f.publisher.events[0].SaleID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues("post /checkout", "200")))
}

func TestCheckout_LegacyIDAlias(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/checkout",
		`{"cart":[{"id":"P1","name":"Coffee","price":"1.00","quantity":1}],"user_id":"u","total_amount":"1.00"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rd, err := f.stock.Get(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 4, rd.OnHand)
}

func TestCheckout_ValidationError(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		error string
		field string
	}{
		{"empty cart", `{"cart":[],"user_id":"u","total_amount":0}`, "Cart is empty or invalid", "cart"},
		{"missing cart", `{"user_id":"u","total_amount":0}`, "Cart is empty or invalid", "cart"},
		{"missing user", `{"cart":[{"product_id":"P1","price":1,"quantity":1}],"total_amount":1}`, "User ID is required", "user_id"},
		{"zero quantity", `{"cart":[{"product_id":"P1","price":1,"quantity":0}],"user_id":"u","total_amount":1}`, "Quantity must be a positive integer", "cart[0].quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, "/checkout", tt.body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp ValidationErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.error, resp.Error)
			assert.Equal(t, tt.field, resp.Field)
			assert.Zero(t, f.sales.Len())
		})
	}
}

func TestCheckout_CartNotAnArray(t *testing.T) {
	for _, cart := range []string{`"x"`, `{}`, `42`} {
		f := newFixture(t)

		rec := f.do(t, http.MethodPost, "/checkout", `{"cart":`+cart+`,"user_id":"u","total_amount":1}`, nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code, cart)
		assert.JSONEq(t, `{"error":"Cart is empty or invalid","field":"cart"}`, rec.Body.String(), cart)
	}
}

func TestCheckout_InvalidJSON(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/checkout", `{"cart": [`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid request body"}`, rec.Body.String())
}

func TestCheckout_InsufficientStock(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/checkout", `{
		"cart": [
			{"product_id": "P1", "name": "Coffee", "price": 1, "quantity": 1},
			{"product_id": "P2", "name": "Bagel", "price": 1, "quantity": 1}
		],
		"user_id": "u",
		"total_amount": 2
	}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp StockErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Insufficient stock", resp.Error)
	assert.Equal(t, "insufficient_stock", resp.Reason)
	assert.Equal(t, []domain.Shortfall{{ProductID: "P2", ProductName: "Bagel", Requested: 1, Available: 0}}, resp.Details)

	rd, err := f.stock.Get(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 5, rd.OnHand)
	assert.Empty(t, f.publisher.events)

	logRec := f.do(t, http.MethodGet, "/checkouts/"+resp.CheckoutID+"/log", "", nil)
	require.Equal(t, http.StatusOK, logRec.Code)
	var entries []CheckoutLogEntry
	require.NoError(t, json.Unmarshal(logRec.Body.Bytes(), &entries))
	assert.Equal(t, "STARTED", entries[0].Status)
	assert.Equal(t, "FAILED", entries[len(entries)-1].Status)
}

func TestCheckout_ProductNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/checkout",
		`{"cart":[{"product_id":"NOPE","name":"Ghost","price":1,"quantity":2}],"user_id":"u","total_amount":2}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{
		"error": "Product not found",
		"reason": "product_not_found",
		"checkout_id": "`+checkoutID(t, rec)+`",
		"details": [{"product_id":"NOPE","product_name":"Ghost","requested":2,"available":0}]
	}`, rec.Body.String())
}

func TestCheckout_SaleInsertFailure(t *testing.T) {
	stock := memory.NewStockLedger(domain.StockRecord{ProductID: "P1", Name: "Coffee", OnHand: 5})
	h := NewHandler(coordinator.New(stock, failingSales{}), failingSales{})
	router := NewRouter(h, RouterConfig{})

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(validCart))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sale_insert_failed", resp.Reason)
	rd, err := stock.Get(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 5, rd.OnHand)
}

func TestCheckout_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{"Idempotency-Key": "till-7-0001"}

	first := f.do(t, http.MethodPost, "/checkout", validCart, headers)
	second := f.do(t, http.MethodPost, "/checkout", validCart, headers)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 1, f.sales.Len())
	rd, err := f.stock.Get(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, rd.OnHand)
}

func fingerprintOf(t *testing.T, body string) string {
	t.Helper()
	var req CheckoutRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	fp, err := requestFingerprint(req)
	require.NoError(t, err)
	return fp
}

func TestCheckout_InFlightKeyConflicts(t *testing.T) {
	f := newFixture(t)
	_, err := idempotency.NewStore(f.cache, time.Hour).Begin(context.Background(), "busy", fingerprintOf(t, validCart))
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/checkout", validCart, map[string]string{"Idempotency-Key": "busy"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, f.sales.Len())
}

func TestCheckout_KeyReusedForOtherCartIsRejected(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{"Idempotency-Key": "till-7-0002"}

	first := f.do(t, http.MethodPost, "/checkout", validCart, headers)
	require.Equal(t, http.StatusOK, first.Code)

	other := `{"cart":[{"product_id":"P1","name":"Coffee","price":2.50,"quantity":1}],"user_id":"cashier-1","total_amount":2.50}`
	second := f.do(t, http.MethodPost, "/checkout", other, headers)

	assert.Equal(t, http.StatusUnprocessableEntity, second.Code)
	assert.Empty(t, second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 1, f.sales.Len())
	rd, err := f.stock.Get(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, rd.OnHand)
}

func TestCheckout_ReplayIgnoresBodyFormatting(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{"Idempotency-Key": "till-7-0003"}
	compact := `{"user_id":"cashier-1","customer_name":"Ana","total_amount":7.50,"cart":[{"name":"Coffee","product_id":"P1","quantity":3,"price":2.50}]}`

	first := f.do(t, http.MethodPost, "/checkout", validCart, headers)
	second := f.do(t, http.MethodPost, "/checkout", compact, headers)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 1, f.sales.Len())
}

func TestCheckout_FailedAttemptReleasesKey(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{"Idempotency-Key": "retry-me"}
	short := `{"cart":[{"product_id":"P1","price":1,"quantity":9}],"user_id":"u","total_amount":9}`

	first := f.do(t, http.MethodPost, "/checkout", short, headers)
	require.Equal(t, http.StatusBadRequest, first.Code)

	f.stock.Set("P1", "Coffee", 10)
	second := f.do(t, http.MethodPost, "/checkout", short, headers)
	assert.Equal(t, http.StatusOK, second.Code)
}

func TestCheckout_PublishFailureDoesNotFailCheckout(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	rec := f.do(t, http.MethodPost, "/checkout", validCart, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.sales.Len())
}

// blockingPublisher holds every publish until release is closed.
type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	sales   []string
}

func (p *blockingPublisher) PublishSaleCompleted(ctx context.Context, ev events.SaleCompleted) error {
	<-p.release
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sales = append(p.sales, ev.SaleID)
	return nil
}

func (p *blockingPublisher) Close() error { return nil }

func TestCheckout_ResponseDoesNotWaitForBroker(t *testing.T) {
	broker := &blockingPublisher{release: make(chan struct{})}
	publisher := events.NewAsyncPublisher(broker, 8, 5*time.Second)
	stock := memory.NewStockLedger(domain.StockRecord{ProductID: "P1", Name: "Coffee", OnHand: 5})
	sales := memory.NewSalesLedger()
	h := NewHandler(coordinator.New(stock, sales), sales, WithPublisher(publisher))
	srv := httptest.NewServer(NewRouter(h, RouterConfig{}))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	resp, err := client.Post(srv.URL+"/checkout", "application/json", strings.NewReader(validCart))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var created CheckoutResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	close(broker.release)
	require.NoError(t, publisher.Close())
	assert.Equal(t, []string{created.TransactionID}, broker.sales)
}

// unreliableStock fails reservations with a write conflict and/or fails
// compensating writes.
type unreliableStock struct {
	*memory.StockLedger
	alwaysConflict bool
	releaseErr     error
}

func (s *unreliableStock) ApplyDelta(ctx context.Context, id string, delta, expected int) (domain.StockRecord, error) {
	if delta < 0 && s.alwaysConflict {
		return domain.StockRecord{}, domain.ErrWriteConflict
	}
	if delta > 0 && s.releaseErr != nil {
		return domain.StockRecord{}, s.releaseErr
	}
	return s.StockLedger.ApplyDelta(ctx, id, delta, expected)
}

func TestCheckout_PersistentConflictIs409(t *testing.T) {
	stock := &unreliableStock{
		StockLedger:    memory.NewStockLedger(domain.StockRecord{ProductID: "P1", Name: "Coffee", OnHand: 5}),
		alwaysConflict: true,
	}
	sales := memory.NewSalesLedger()
	router := NewRouter(NewHandler(coordinator.New(stock, sales), sales), RouterConfig{})

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(validCart))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "stock_conflict", resp.Reason)
	assert.False(t, resp.Inconsistent)
	assert.Zero(t, sales.Len())
}

func TestCheckout_RollbackFailureFlagsInconsistency(t *testing.T) {
	stock := &unreliableStock{
		StockLedger: memory.NewStockLedger(domain.StockRecord{ProductID: "P1", Name: "Coffee", OnHand: 5}),
		releaseErr:  errors.New("stock ledger offline"),
	}
	router := NewRouter(NewHandler(coordinator.New(stock, failingSales{}), failingSales{}), RouterConfig{})

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(validCart))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{
		"error": "Failed to record sale",
		"reason": "sale_insert_failed",
		"checkout_id": "`+checkoutID(t, rec)+`",
		"inconsistent": true
	}`, rec.Body.String())
}

func TestCheckoutStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/checkout", validCart, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := f.do(t, http.MethodGet, "/checkouts/"+checkoutID(t, rec), "", nil)

	require.Equal(t, http.StatusOK, got.Code)
	var status CheckoutStatusResponse
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &status))
	assert.Equal(t, checkoutID(t, rec), status.CheckoutID)
	assert.Equal(t, "completed", status.State)
	assert.Equal(t, "DONE", status.Last.Status)

	failed := f.do(t, http.MethodPost, "/checkout",
		`{"cart":[{"product_id":"P2","name":"Bagel","price":1,"quantity":1}],"user_id":"u","total_amount":1}`, nil)
	require.Equal(t, http.StatusBadRequest, failed.Code)
	got = f.do(t, http.MethodGet, "/checkouts/"+checkoutID(t, failed), "", nil)
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &status))
	assert.Equal(t, "failed", status.State)

	missing := f.do(t, http.MethodGet, "/checkouts/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestPreflight(t *testing.T) {
	f := newFixture(t)

	t.Run("browser preflight", func(t *testing.T) {
		rec := f.do(t, http.MethodOptions, "/checkout", "", map[string]string{
			"Origin":                         "https://till.example",
			"Access-Control-Request-Method":  "POST",
			"Access-Control-Request-Headers": "content-type",
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("bare options", func(t *testing.T) {
		rec := f.do(t, http.MethodOptions, "/checkout", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
	})
}

func TestGetSale(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/checkout", validCart, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var created CheckoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	got := f.do(t, http.MethodGet, "/sales/"+created.TransactionID, "", nil)

	require.Equal(t, http.StatusOK, got.Code)
	var sale SaleResponse
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &sale))
	assert.Equal(t, created.TransactionID, sale.ID)
	assert.Equal(t, "cashier-1", sale.UserID)
	require.NotNil(t, sale.CustomerName)
	assert.Equal(t, "Ana", *sale.CustomerName)
	assert.Nil(t, sale.CustomerPhone)
	assert.Equal(t, "7.5", sale.TotalAmount.String())
	require.Len(t, sale.Items, 1)

	missing := f.do(t, http.MethodGet, "/sales/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	health := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, health.Code)
	assert.JSONEq(t, `{"status":"ok"}`, health.Body.String())

	m := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, m.Code)
	assert.True(t, bytes.Contains(m.Body.Bytes(), []byte("pos_checkout_api_http_requests_total")))
}

func TestCheckoutLog_Unknown(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/checkouts/unknown/log", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func checkoutID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		CheckoutID string `json:"checkout_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.CheckoutID
}
