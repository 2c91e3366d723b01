package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/keymart-backend/api/controllers"
	"github.com/angelmondragon/keymart-backend/internal/payments"
	"github.com/angelmondragon/keymart-backend/internal/wallet"
	"github.com/angelmondragon/keymart-backend/pkg/config"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/types"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error { return nil }

type countingQueue struct {
	payments.Queue
	mu    sync.Mutex
	calls int
}

func (q *countingQueue) Enqueue(ctx context.Context, userID uuid.UUID, cart types.Cart, total decimal.Decimal) (*models.PaymentQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return &models.PaymentQueueEntry{ID: uuid.New(), UserID: userID, Status: enums.PaymentStatusPending}, nil
}

type stubWallet struct {
	wallet.Service
}

func (stubWallet) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	return decimal.NewFromInt(10), nil
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Key(parts ...string) string { return strings.Join(parts, ":") }

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key], _ = value.(string)
	return true, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key], _ = value.(string)
	return nil
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func newTestRouter(queue payments.Queue) http.Handler {
	return NewRouter(RouterParams{
		Config:      &config.Config{App: config.AppConfig{Env: "test", CORSOrigins: []string{"http://localhost:3000"}}},
		Logger:      logger.Discard(),
		Queue:       queue,
		Wallet:      stubWallet{},
		Idempotency: &memoryStore{data: map[string]string{}},
		Ready:       map[string]controllers.Pinger{"db": stubPinger{}},
		Gatherer:    prometheus.NewRegistry(),
	})
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	router := newTestRouter(&countingQueue{})

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", path, resp.Code)
		}
	}
}

func TestAPIRequiresUserHeader(t *testing.T) {
	router := newTestRouter(&countingQueue{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil)
	req.Header.Set("X-User-ID", uuid.NewString())
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestSubmitCartReplaysWithIdempotencyKey(t *testing.T) {
	queue := &countingQueue{}
	router := newTestRouter(queue)
	userID := uuid.NewString()
	body := `{"cart":[{"productId":"7f3c1a8e-6f37-4d55-9b55-7c2a1d4f0a11","quantity":1,"price":"5","stallId":"0d9f5f34-2a53-4a0f-a93e-2c6f0f3f4c10","sellerId":"5b1c6c2e-8a83-4c4b-bb6e-0e7e1f6d9a22"}],"total":"5"}`

	var first string
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(body))
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("Idempotency-Key", "cart-1")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusAccepted {
			t.Fatalf("attempt %d: expected 202 got %d: %s", i, resp.Code, resp.Body.String())
		}
		if i == 0 {
			first = resp.Body.String()
		} else if resp.Body.String() != first {
			t.Fatalf("expected replayed body, got %s", resp.Body.String())
		}
	}
	if queue.calls != 1 {
		t.Fatalf("expected one enqueue, got %d", queue.calls)
	}
}
