package service

import (
	"context"
	"time"

	"brokerage/internal/lock"
	"brokerage/internal/models"
	"brokerage/internal/probe"
	"brokerage/internal/registry"
	"brokerage/internal/repository"
	"brokerage/pkg/crypto"
)

// ConnectionStore определяет интерфейс хранилища подключений
type ConnectionStore interface {
	Save(ctx context.Context, conn *models.BrokerageConnection) error
	Find(ctx context.Context, id int64) (*models.BrokerageConnection, error)
	FindByUser(ctx context.Context, userID int64) ([]*models.BrokerageConnection, error)
	FindActive(ctx context.Context, userID int64, brokerID int) (*models.BrokerageConnection, error)
	Delete(ctx context.Context, id int64) error
}

// BrokerRegistry определяет интерфейс справочника брокеров
type BrokerRegistry interface {
	Get(id int) (*models.Broker, error)
	List() []models.Broker
}

// Prober определяет интерфейс проверки учетных данных у брокера
type Prober interface {
	Validate(ctx context.Context, broker *models.Broker, creds models.Credentials, timeout time.Duration) probe.Result
	RefreshToken(ctx context.Context, broker *models.Broker, refreshToken string, client probe.ClientCredentials, timeout time.Duration) (probe.TokenSet, probe.Result)
}

// SecretCodec определяет интерфейс шифрования секретов
type SecretCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// StatusNotifier - отправка изменений статуса владельцу подключения (WebSocket)
type StatusNotifier interface {
	NotifyConnectionStatus(userID int64, view *models.ConnectionView)
	NotifyConnectionDeleted(userID int64, connectionID int64)
}

// Проверяем, что реальные реализации удовлетворяют интерфейсам
var _ ConnectionStore = (*repository.ConnectionRepository)(nil)
var _ ConnectionStore = (*repository.MemoryConnectionStore)(nil)
var _ BrokerRegistry = (*registry.Registry)(nil)
var _ Prober = (*probe.Validator)(nil)
var _ SecretCodec = (*crypto.Codec)(nil)
var _ lock.Locker = (*lock.KeyedMutex)(nil)
var _ lock.Locker = (*lock.RedisLocker)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// ConnectionServiceInterface определяет интерфейс сервиса брокерских подключений
type ConnectionServiceInterface interface {
	ListBrokers() []models.Broker
	ListConnections(ctx context.Context, userID int64) ([]*models.ConnectionView, error)
	GetConnection(ctx context.Context, userID, connectionID int64) (*models.ConnectionView, error)
	CreateConnection(ctx context.Context, userID int64, brokerID int, creds models.Credentials) (*models.ConnectionView, error)
	TestConnection(ctx context.Context, userID, connectionID int64) (*TestResult, error)
	TestCredentials(ctx context.Context, userID int64, brokerID int, creds models.Credentials) (*TestResult, error)
	UpdateCredentials(ctx context.Context, userID, connectionID int64, creds models.Credentials) (*models.ConnectionView, error)
	DisconnectConnection(ctx context.Context, userID, connectionID int64) (*models.ConnectionView, error)
	DeleteConnection(ctx context.Context, userID, connectionID int64) error
}

var _ ConnectionServiceInterface = (*ConnectionService)(nil)
