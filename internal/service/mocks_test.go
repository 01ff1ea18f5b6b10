package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"brokerage/internal/lock"
	"brokerage/internal/models"
	"brokerage/internal/probe"
	"brokerage/internal/registry"
	"brokerage/internal/repository"
	"brokerage/pkg/crypto"
	"brokerage/pkg/utils"
)

const testSecret = "test-encryption-secret-at-least-32-bytes"

// ============ Mock Prober ============

type MockProber struct {
	mu sync.Mutex

	result        probe.Result
	refreshTokens probe.TokenSet
	refreshResult probe.Result

	validateCalls int
	refreshCalls  int
	lastCreds     models.Credentials

	delay   time.Duration
	started chan struct{} // сигнал о начале проверки
	release chan struct{} // проверка ждет закрытия канала

	inflight    int
	maxInflight int
}

func NewMockProber(result probe.Result) *MockProber {
	return &MockProber{result: result, refreshResult: probe.Result{OK: true}}
}

func (m *MockProber) SetResult(result probe.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
}

func (m *MockProber) Validate(ctx context.Context, broker *models.Broker, creds models.Credentials, timeout time.Duration) probe.Result {
	m.mu.Lock()
	m.validateCalls++
	m.lastCreds = creds
	m.inflight++
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
	started, release, delay := m.started, m.release, m.delay
	m.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	return m.result
}

func (m *MockProber) RefreshToken(ctx context.Context, broker *models.Broker, refreshToken string, client probe.ClientCredentials, timeout time.Duration) (probe.TokenSet, probe.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls++
	if !m.refreshResult.OK {
		return probe.TokenSet{}, m.refreshResult
	}
	return m.refreshTokens, m.refreshResult
}

func (m *MockProber) Calls() (validate, refresh int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateCalls, m.refreshCalls
}

func (m *MockProber) LastCreds() models.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCreds
}

func (m *MockProber) MaxInflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInflight
}

// ============ Mock Codec ============

// brokenCodec шифрует нормально, но не может расшифровать
type brokenCodec struct {
	SecretCodec
}

func (brokenCodec) Decrypt(string) (string, error) {
	return "", crypto.ErrAuthenticationFailed
}

// ============ Mock Notifier ============

type notification struct {
	UserID       int64
	ConnectionID int64
	Status       models.ConnectionStatus
	Deleted      bool
}

type MockNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (m *MockNotifier) NotifyConnectionStatus(userID int64, view *models.ConnectionView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, notification{UserID: userID, ConnectionID: view.ID, Status: view.Status})
}

func (m *MockNotifier) NotifyConnectionDeleted(userID int64, connectionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, notification{UserID: userID, ConnectionID: connectionID, Deleted: true})
}

func (m *MockNotifier) Statuses() []models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ConnectionStatus
	for _, e := range m.events {
		if !e.Deleted {
			out = append(out, e.Status)
		}
	}
	return out
}

// ============ Store с перехватом ============

// interferingStore перед очередным Save выполняет хук (конкурентная запись)
type interferingStore struct {
	*repository.MemoryConnectionStore
	mu         sync.Mutex
	beforeSave func()
}

func (s *interferingStore) Save(ctx context.Context, conn *models.BrokerageConnection) error {
	s.mu.Lock()
	hook := s.beforeSave
	s.beforeSave = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return s.MemoryConnectionStore.Save(ctx, conn)
}

// flakyStore возвращает ошибку на Save с номером failOn (считая с 1), остальные вызовы проходят
type flakyStore struct {
	*repository.MemoryConnectionStore
	mu     sync.Mutex
	saves  int
	failOn int
	err    error
}

func (s *flakyStore) Save(ctx context.Context, conn *models.BrokerageConnection) error {
	s.mu.Lock()
	s.saves++
	fail := s.saves == s.failOn
	s.mu.Unlock()

	if fail {
		return s.err
	}
	return s.MemoryConnectionStore.Save(ctx, conn)
}

func (m *MockNotifier) Deleted() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, e := range m.events {
		if e.Deleted {
			out = append(out, e.ConnectionID)
		}
	}
	return out
}

// ============ Сборка сервиса ============

const (
	alpacaBrokerID  = 1
	tradierBrokerID = 2
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]models.Broker{
		{ID: alpacaBrokerID, Name: "Alpaca Paper", Kind: models.BrokerKindAlpaca, BaseURL: "https://paper-api.alpaca.markets"},
		{
			ID: tradierBrokerID, Name: "Tradier Sandbox", Kind: models.BrokerKindTradier,
			BaseURL: "https://sandbox.tradier.com", TokenURL: "https://api.tradier.com/v1/oauth/refreshtoken",
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

type testEnv struct {
	svc      *ConnectionService
	store    ConnectionStore
	prober   *MockProber
	codec    SecretCodec
	notifier *MockNotifier
}

func newTestEnv(t *testing.T, result probe.Result) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, result, repository.NewMemoryConnectionStore())
}

func newTestEnvWithStore(t *testing.T, result probe.Result, store ConnectionStore) *testEnv {
	t.Helper()

	codec, err := crypto.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	prober := NewMockProber(result)
	notifier := &MockNotifier{}
	svc := NewConnectionService(store, testRegistry(t), prober, codec, lock.NewKeyedMutex(),
		ConnectionServiceConfig{ProbeTimeout: 5 * time.Second}, utils.NewNopLogger())
	svc.SetNotifier(notifier)

	return &testEnv{svc: svc, store: store, prober: prober, codec: codec, notifier: notifier}
}

func connectedResult() probe.Result {
	return probe.Result{OK: true, StatusCode: 200, AccountID: "acc-1", Message: "Connected"}
}

func keyPair() models.Credentials {
	return models.Credentials{APIKey: "PKTEST123", APISecret: "secret-456"}
}
