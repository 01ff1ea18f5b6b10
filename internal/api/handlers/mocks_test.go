package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"brokerage/internal/models"
	"brokerage/internal/service"
)

// ErrMockDatabase - ошибка хранилища для тестов
var ErrMockDatabase = errors.New("mock database error")

// ============ Mock Connection Service ============

// MockConnectionService мок для ConnectionServiceInterface
//
// Хранит подключения в памяти; результат проверки задается testResult.
type MockConnectionService struct {
	mu          sync.Mutex
	brokers     []models.Broker
	connections map[int64]*models.ConnectionView
	nextID      int64
	testResult  service.TestResult
	err         error // возвращается любым методом, если задан

	lastCreds models.Credentials
	calls     map[string]int
}

var _ service.ConnectionServiceInterface = (*MockConnectionService)(nil)

// NewMockConnectionService создает мок с одним брокером (id 1)
func NewMockConnectionService() *MockConnectionService {
	return &MockConnectionService{
		brokers: []models.Broker{
			{ID: 1, Name: "Alpaca Paper", Kind: models.BrokerKindAlpaca, BaseURL: "https://paper-api.alpaca.markets"},
		},
		connections: make(map[int64]*models.ConnectionView),
		nextID:      1,
		testResult:  service.TestResult{OK: true, Status: models.StatusConnected, Message: models.StatusConnected.Message()},
		calls:       make(map[string]int),
	}
}

func (m *MockConnectionService) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockConnectionService) SetTestResult(res service.TestResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testResult = res
}

func (m *MockConnectionService) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockConnectionService) LastCreds() models.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCreds
}

// AddConnection добавляет подключение пользователю напрямую
func (m *MockConnectionService) AddConnection(userID int64, brokerID int, status models.ConnectionStatus) *models.ConnectionView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(userID, brokerID, status)
}

func (m *MockConnectionService) addLocked(userID int64, brokerID int, status models.ConnectionStatus) *models.ConnectionView {
	now := time.Now().UTC()
	view := &models.ConnectionView{
		ID:            m.nextID,
		UserID:        userID,
		BrokerID:      brokerID,
		HasAPIKey:     true,
		HasAPISecret:  true,
		Status:        status,
		StatusMessage: status.Message(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.connections[view.ID] = view
	m.nextID++
	return view
}

func (m *MockConnectionService) owned(userID, id int64) (*models.ConnectionView, error) {
	view, ok := m.connections[id]
	if !ok || view.UserID != userID {
		return nil, service.ErrConnectionNotFound
	}
	return view, nil
}

func (m *MockConnectionService) enter(method string) error {
	m.calls[method]++
	return m.err
}

func (m *MockConnectionService) ListBrokers() []models.Broker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["ListBrokers"]++
	return m.brokers
}

func (m *MockConnectionService) ListConnections(ctx context.Context, userID int64) ([]*models.ConnectionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListConnections"); err != nil {
		return nil, err
	}
	var out []*models.ConnectionView
	for _, v := range m.connections {
		if v.UserID == userID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *MockConnectionService) GetConnection(ctx context.Context, userID, connectionID int64) (*models.ConnectionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetConnection"); err != nil {
		return nil, err
	}
	return m.owned(userID, connectionID)
}

func (m *MockConnectionService) CreateConnection(ctx context.Context, userID int64, brokerID int, creds models.Credentials) (*models.ConnectionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateConnection"); err != nil {
		return nil, err
	}
	m.lastCreds = creds
	if brokerID != 1 {
		return nil, fmt.Errorf("%w: id %d", service.ErrUnknownBroker, brokerID)
	}
	if creds.Normalize().IsEmpty() {
		return nil, service.ErrEmptyCredentials
	}
	for _, v := range m.connections {
		if v.UserID == userID && v.BrokerID == brokerID {
			return nil, service.ErrConnectionExists
		}
	}
	return m.addLocked(userID, brokerID, m.testResult.Status), nil
}

func (m *MockConnectionService) TestConnection(ctx context.Context, userID, connectionID int64) (*service.TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TestConnection"); err != nil {
		return nil, err
	}
	view, err := m.owned(userID, connectionID)
	if err != nil {
		return nil, err
	}
	view.Status = m.testResult.Status
	res := m.testResult
	res.Connection = view
	return &res, nil
}

func (m *MockConnectionService) TestCredentials(ctx context.Context, userID int64, brokerID int, creds models.Credentials) (*service.TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TestCredentials"); err != nil {
		return nil, err
	}
	m.lastCreds = creds
	if brokerID != 1 {
		return nil, fmt.Errorf("%w: id %d", service.ErrUnknownBroker, brokerID)
	}
	res := m.testResult
	return &res, nil
}

func (m *MockConnectionService) UpdateCredentials(ctx context.Context, userID, connectionID int64, creds models.Credentials) (*models.ConnectionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateCredentials"); err != nil {
		return nil, err
	}
	m.lastCreds = creds
	view, err := m.owned(userID, connectionID)
	if err != nil {
		return nil, err
	}
	if creds.Normalize().IsEmpty() {
		return nil, service.ErrEmptyCredentials
	}
	view.Status = m.testResult.Status
	view.HasAccessToken = creds.AccessToken != ""
	return view, nil
}

func (m *MockConnectionService) DisconnectConnection(ctx context.Context, userID, connectionID int64) (*models.ConnectionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DisconnectConnection"); err != nil {
		return nil, err
	}
	view, err := m.owned(userID, connectionID)
	if err != nil {
		return nil, err
	}
	view.Status = models.StatusDisconnected
	return view, nil
}

func (m *MockConnectionService) DeleteConnection(ctx context.Context, userID, connectionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteConnection"); err != nil {
		return err
	}
	if _, err := m.owned(userID, connectionID); err != nil {
		return err
	}
	delete(m.connections, connectionID)
	return nil
}
