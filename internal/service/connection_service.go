package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brokerage/internal/lock"
	"brokerage/internal/models"
	"brokerage/internal/probe"
	"brokerage/internal/repository"
	"brokerage/pkg/retry"
	"brokerage/pkg/utils"
)

// TestResult - итог проверки подключения для API
type TestResult struct {
	OK         bool                    `json:"ok"`
	Status     models.ConnectionStatus `json:"status"`
	Message    string                  `json:"message"`
	Connection *models.ConnectionView  `json:"connection,omitempty"`
}

func newTestResult(res probe.Result) *TestResult {
	return &TestResult{OK: res.OK, Status: res.Status(), Message: res.Message}
}

// ConnectionServiceConfig - параметры сервиса подключений
type ConnectionServiceConfig struct {
	ProbeTimeout time.Duration
	OAuthClients map[string]probe.ClientCredentials // ключ - тип брокера
}

// ConnectionService - жизненный цикл брокерских подключений
//
// Все операции над подключением выполняются под блокировкой пары
// (пользователь, брокер). Проверка у брокера и итоговая запись идут на
// контексте, отвязанном от отмены запроса, поэтому запись не остается в
// статусе testing после обрыва клиента.
type ConnectionService struct {
	store    ConnectionStore
	registry BrokerRegistry
	prober   Prober
	codec    SecretCodec
	locker   lock.Locker
	notifier StatusNotifier
	logger   *utils.Logger
	cfg      ConnectionServiceConfig
	now      func() time.Time
}

// NewConnectionService создает новый экземпляр сервиса
func NewConnectionService(
	store ConnectionStore,
	registry BrokerRegistry,
	prober Prober,
	codec SecretCodec,
	locker lock.Locker,
	cfg ConnectionServiceConfig,
	logger *utils.Logger,
) *ConnectionService {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if logger == nil {
		logger = utils.L()
	}
	return &ConnectionService{
		store:    store,
		registry: registry,
		prober:   prober,
		codec:    codec,
		locker:   locker,
		logger:   logger.WithComponent("connections"),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier устанавливает получателя изменений статуса.
//
// Вызывается после инициализации Hub в main.go:
//
//	connService := service.NewConnectionService(...)
//	connService.SetNotifier(wsHub)
func (s *ConnectionService) SetNotifier(n StatusNotifier) {
	s.notifier = n
}

// ListBrokers возвращает справочник брокеров
func (s *ConnectionService) ListBrokers() []models.Broker {
	return s.registry.List()
}

// ListConnections возвращает подключения пользователя с данными брокеров
func (s *ConnectionService) ListConnections(ctx context.Context, userID int64) ([]*models.ConnectionView, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}

	conns, err := s.store.FindByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	views := make([]*models.ConnectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, s.view(conn))
	}
	return views, nil
}

// GetConnection возвращает подключение пользователя
func (s *ConnectionService) GetConnection(ctx context.Context, userID, connectionID int64) (*models.ConnectionView, error) {
	conn, err := s.findOwned(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	return s.view(conn), nil
}

// CreateConnection создает подключение и сразу проверяет его
// Выполняет:
// 1. Проверку брокера и учетных данных
// 2. Блокировку пары (пользователь, брокер) и проверку дубликата
// 3. Шифрование и сохранение в статусе pending
// 4. Проверку у брокера
func (s *ConnectionService) CreateConnection(ctx context.Context, userID int64, brokerID int, creds models.Credentials) (*models.ConnectionView, error) {
	// 1. Брокер и учетные данные
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	broker, err := s.broker(brokerID)
	if err != nil {
		return nil, err
	}
	creds, err = s.checkCredentials(broker, creds)
	if err != nil {
		return nil, err
	}

	// 2. Блокировка пары и проверка дубликата
	unlock, err := s.locker.Lock(ctx, models.ConnectionLockKey(userID, brokerID))
	if err != nil {
		return nil, fmt.Errorf("acquire connection lock: %w", err)
	}
	defer unlock()

	if _, err := s.store.FindActive(ctx, userID, brokerID); err == nil {
		s.countOperation("create", "conflict")
		return nil, ErrConnectionExists
	} else if !errors.Is(err, repository.ErrConnectionNotFound) {
		return nil, fmt.Errorf("check existing connection: %w", err)
	}

	// 3. Шифрование и сохранение
	conn := &models.BrokerageConnection{
		UserID:   userID,
		BrokerID: brokerID,
		Status:   models.StatusPending,
	}
	if err := s.sealCredentials(conn, creds); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, conn); err != nil {
		if errors.Is(err, repository.ErrConnectionExists) {
			s.countOperation("create", "conflict")
			return nil, ErrConnectionExists
		}
		return nil, fmt.Errorf("save connection: %w", err)
	}

	s.logger.WithConnection(conn.ID, userID).Info("Brokerage connection created",
		utils.BrokerID(brokerID),
		utils.Status(string(conn.Status)),
	)
	s.notify(conn)

	// 4. Проверка у брокера
	if _, err := s.runTest(ctx, conn, broker, nil); err != nil {
		// Запись без итогового статуса блокировала бы повторное создание
		if !conn.Status.IsTerminal() {
			s.discardIncomplete(ctx, conn)
		}
		s.countOperation("create", "error")
		return nil, err
	}
	s.countOperation("create", "ok")
	return s.view(conn), nil
}

// discardIncomplete удаляет созданную запись, проверка которой не дошла до итогового статуса
//
// Вызывается под блокировкой пары (пользователь, брокер).
func (s *ConnectionService) discardIncomplete(ctx context.Context, conn *models.BrokerageConnection) {
	logger := s.logger.WithConnection(conn.ID, conn.UserID)
	err := s.store.Delete(context.WithoutCancel(ctx), conn.ID)
	if err != nil && !errors.Is(err, repository.ErrConnectionNotFound) {
		logger.Error("Failed to remove incomplete connection",
			utils.Status(string(conn.Status)),
			utils.Err(err),
		)
		return
	}

	logger.Warn("Incomplete connection removed after failed test", utils.Status(string(conn.Status)))
	if s.notifier != nil {
		s.notifier.NotifyConnectionDeleted(conn.UserID, conn.ID)
	}
}

// TestConnection проверяет сохраненное подключение и обновляет его статус
//
// Повторный вызов безопасен: каждый вызов завершается итоговым статусом.
func (s *ConnectionService) TestConnection(ctx context.Context, userID, connectionID int64) (*TestResult, error) {
	conn, broker, unlock, err := s.lockOwned(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := s.runTest(ctx, conn, broker, nil)
	if err != nil {
		return nil, err
	}

	result := newTestResult(res)
	result.Connection = s.view(conn)
	s.countOperation("test", string(result.Status))
	return result, nil
}

// TestCredentials проверяет учетные данные без сохранения
func (s *ConnectionService) TestCredentials(ctx context.Context, userID int64, brokerID int, creds models.Credentials) (*TestResult, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	broker, err := s.broker(brokerID)
	if err != nil {
		return nil, err
	}
	creds, err = s.checkCredentials(broker, creds)
	if err != nil {
		return nil, err
	}

	detached := context.WithoutCancel(ctx)
	creds, _, res := s.refreshIfNeeded(detached, broker, creds)
	if res == nil {
		r := s.prober.Validate(detached, broker, creds, s.cfg.ProbeTimeout)
		res = &r
	}

	s.logger.Info("Credentials tested",
		utils.UserID(userID),
		utils.BrokerID(brokerID),
		utils.Outcome(res.Outcome()),
	)
	s.countOperation("dry_run", string(res.Status()))
	return newTestResult(*res), nil
}

// UpdateCredentials заменяет учетные данные подключения и проверяет новые
func (s *ConnectionService) UpdateCredentials(ctx context.Context, userID, connectionID int64, creds models.Credentials) (*models.ConnectionView, error) {
	conn, broker, unlock, err := s.lockOwned(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	creds, err = s.checkCredentials(broker, creds)
	if err != nil {
		return nil, err
	}

	// Шифруем до записи, чтобы ошибка шифрования не оставила запись в testing
	sealed := &models.BrokerageConnection{}
	if err := s.sealCredentials(sealed, creds); err != nil {
		return nil, err
	}

	replace := func(c *models.BrokerageConnection) {
		c.EncryptedAPIKey = sealed.EncryptedAPIKey
		c.EncryptedAPISecret = sealed.EncryptedAPISecret
		c.EncryptedAccessToken = sealed.EncryptedAccessToken
		c.EncryptedRefreshToken = sealed.EncryptedRefreshToken
		c.TokenExpiresAt = sealed.TokenExpiresAt
	}
	if _, err := s.runTest(ctx, conn, broker, replace); err != nil {
		return nil, err
	}

	s.logger.WithConnection(conn.ID, userID).Info("Brokerage connection credentials rotated",
		utils.Status(string(conn.Status)),
	)
	s.countOperation("rotate", string(conn.Status))
	return s.view(conn), nil
}

// DisconnectConnection переводит подключение в disconnected, учетные данные сохраняются
func (s *ConnectionService) DisconnectConnection(ctx context.Context, userID, connectionID int64) (*models.ConnectionView, error) {
	conn, _, unlock, err := s.lockOwned(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if conn.Status != models.StatusDisconnected {
		err := s.transition(context.WithoutCancel(ctx), conn, models.StatusDisconnected, func(c *models.BrokerageConnection) {
			c.LastError = ""
		})
		if err != nil {
			return nil, err
		}
	}

	s.countOperation("disconnect", "ok")
	return s.view(conn), nil
}

// DeleteConnection удаляет подключение пользователя
func (s *ConnectionService) DeleteConnection(ctx context.Context, userID, connectionID int64) error {
	conn, _, unlock, err := s.lockOwned(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.Delete(ctx, conn.ID); err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			return ErrConnectionNotFound
		}
		return fmt.Errorf("delete connection: %w", err)
	}

	s.logger.WithConnection(conn.ID, userID).Info("Brokerage connection deleted", utils.BrokerID(conn.BrokerID))
	if s.notifier != nil {
		s.notifier.NotifyConnectionDeleted(userID, conn.ID)
	}
	s.countOperation("delete", "ok")
	return nil
}

// ============ Проверка ============

// runTest переводит подключение в testing, проверяет у брокера и сохраняет итог
//
// prepare (может быть nil) применяется к записи вместе с переходом в testing.
// conn обновляется до сохраненного состояния.
func (s *ConnectionService) runTest(ctx context.Context, conn *models.BrokerageConnection, broker *models.Broker, prepare func(*models.BrokerageConnection)) (probe.Result, error) {
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.WithConnection(conn.ID, conn.UserID)

	// 1. testing
	if err := s.transition(ctx, conn, models.StatusTesting, prepare); err != nil {
		return probe.Result{}, err
	}

	// 2. Расшифровка
	creds, err := s.openCredentials(conn)
	if err != nil {
		logger.Error("Failed to decrypt stored credentials", utils.Err(err))
		if terr := s.transition(ctx, conn, models.StatusError, func(c *models.BrokerageConnection) {
			c.LastError = ErrDecryption.Error()
		}); terr != nil {
			logger.Error("Failed to record decryption error", utils.Err(terr))
		}
		return probe.Result{}, fmt.Errorf("%w: connection %d", ErrDecryption, conn.ID)
	}

	// 3. Обновление токена и проверка
	creds, refreshed, res := s.refreshIfNeeded(ctx, broker, creds)
	var sealed *models.BrokerageConnection
	if res == nil {
		if refreshed {
			sealed = &models.BrokerageConnection{}
			if err := s.sealCredentials(sealed, creds); err != nil {
				logger.Error("Failed to encrypt refreshed token", utils.Err(err))
				sealed = nil
			}
		}
		r := s.prober.Validate(ctx, broker, creds, s.cfg.ProbeTimeout)
		res = &r
	}

	// 4. Итоговый статус
	now := s.now()
	err = s.transition(ctx, conn, res.Status(), func(c *models.BrokerageConnection) {
		if sealed != nil {
			c.EncryptedAccessToken = sealed.EncryptedAccessToken
			c.EncryptedRefreshToken = sealed.EncryptedRefreshToken
			c.TokenExpiresAt = sealed.TokenExpiresAt
		}
		if res.OK {
			c.LastConnected = &now
			c.LastError = ""
		} else {
			c.LastError = res.Message
		}
	})
	if err != nil {
		return probe.Result{}, err
	}
	return *res, nil
}

// refreshIfNeeded обновляет истекший access token
//
// Возвращает итоговый результат, если проверку выполнять не нужно:
// токен обновить не удалось, а других учетных данных нет.
func (s *ConnectionService) refreshIfNeeded(ctx context.Context, broker *models.Broker, creds models.Credentials) (models.Credentials, bool, *probe.Result) {
	if !creds.NeedsRefresh(s.now()) || !broker.SupportsTokenRefresh() {
		return creds, false, nil
	}

	tokens, res := s.prober.RefreshToken(ctx, broker, creds.RefreshToken, s.cfg.OAuthClients[broker.Kind], s.cfg.ProbeTimeout)
	if !res.OK {
		s.logger.Warn("Access token refresh failed",
			utils.BrokerID(broker.ID),
			utils.Outcome(res.Outcome()),
		)
		if creds.HasKeyPair() {
			// Проверяем оставшейся парой ключей
			creds.AccessToken = ""
			creds.TokenExpiresAt = nil
			return creds, false, nil
		}
		return creds, false, &res
	}

	creds.AccessToken = tokens.AccessToken
	creds.RefreshToken = tokens.RefreshToken
	creds.TokenExpiresAt = tokens.ExpiresAt
	return creds, true, nil
}

// ============ Переходы статусов ============

// transition сохраняет новый статус с проверкой версии
//
// При конфликте версии запись перечитывается и изменение применяется к
// свежему состоянию. Если переход из свежего состояния запрещен, остается
// состояние конкурентной записи.
func (s *ConnectionService) transition(ctx context.Context, conn *models.BrokerageConnection, next models.ConnectionStatus, mutate func(*models.BrokerageConnection)) error {
	current := *conn
	from := conn.Status

	saved, err := retry.DoWithResult(ctx, func() (models.BrokerageConnection, error) {
		if !current.Status.CanTransitionTo(next) {
			return current, retry.Permanent(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next))
		}

		candidate := current
		if mutate != nil {
			mutate(&candidate)
		}
		candidate.Status = next

		err := s.store.Save(ctx, &candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			if errors.Is(err, repository.ErrConnectionNotFound) {
				return current, retry.Permanent(ErrConnectionNotFound)
			}
			return current, retry.Permanent(fmt.Errorf("save connection: %w", err))
		}

		fresh, ferr := s.store.Find(ctx, current.ID)
		if ferr != nil {
			if errors.Is(ferr, repository.ErrConnectionNotFound) {
				return current, retry.Permanent(ErrConnectionNotFound)
			}
			return current, retry.Permanent(fmt.Errorf("reload connection: %w", ferr))
		}
		current = *fresh
		from = fresh.Status
		return current, err
	}, retry.ConflictConfig())

	if err != nil {
		if errors.Is(err, ErrInvalidTransition) && current.ID == conn.ID && current.Version != conn.Version {
			s.logger.WithConnection(conn.ID, conn.UserID).Warn("Status change superseded by concurrent update",
				utils.Transition(string(conn.Status), string(next)),
				utils.Status(string(current.Status)),
			)
			*conn = current
			return nil
		}
		return err
	}

	*conn = saved
	s.recordTransition(conn, from, next)
	return nil
}

func (s *ConnectionService) recordTransition(conn *models.BrokerageConnection, from, to models.ConnectionStatus) {
	StatusTransitions.WithLabelValues(string(from), string(to)).Inc()

	fields := []utils.Field{
		utils.BrokerID(conn.BrokerID),
		utils.Transition(string(from), string(to)),
	}
	logger := s.logger.WithConnection(conn.ID, conn.UserID)
	switch to {
	case models.StatusConnected, models.StatusTesting, models.StatusDisconnected:
		logger.Info("Connection status changed", fields...)
	default:
		logger.Warn("Connection status changed", append(fields, utils.String("reason", conn.LastError))...)
	}

	s.notify(conn)
}

func (s *ConnectionService) notify(conn *models.BrokerageConnection) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyConnectionStatus(conn.UserID, s.view(conn))
}

// ============ Helpers ============

func (s *ConnectionService) broker(brokerID int) (*models.Broker, error) {
	broker, err := s.registry.Get(brokerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBroker, brokerID)
	}
	return broker, nil
}

// checkCredentials нормализует набор и проверяет, что он пригоден для проверки
func (s *ConnectionService) checkCredentials(broker *models.Broker, creds models.Credentials) (models.Credentials, error) {
	creds = creds.Normalize()
	if creds.IsEmpty() {
		return creds, ErrEmptyCredentials
	}
	now := s.now()
	if creds.Usable(now) {
		return creds, nil
	}
	if creds.NeedsRefresh(now) && broker.SupportsTokenRefresh() {
		return creds, nil
	}
	return creds, ErrUnusableCredentials
}

// findOwned возвращает подключение, только если оно принадлежит пользователю
func (s *ConnectionService) findOwned(ctx context.Context, userID, connectionID int64) (*models.BrokerageConnection, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	conn, err := s.store.Find(ctx, connectionID)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("find connection: %w", err)
	}
	// Чужое подключение неотличимо от несуществующего
	if conn.UserID != userID {
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

// lockOwned находит подключение, берет блокировку пары и перечитывает запись под ней
func (s *ConnectionService) lockOwned(ctx context.Context, userID, connectionID int64) (*models.BrokerageConnection, *models.Broker, lock.Unlock, error) {
	conn, err := s.findOwned(ctx, userID, connectionID)
	if err != nil {
		return nil, nil, nil, err
	}
	broker, err := s.broker(conn.BrokerID)
	if err != nil {
		return nil, nil, nil, err
	}

	unlock, err := s.locker.Lock(ctx, conn.LockKey())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("acquire connection lock: %w", err)
	}

	conn, err = s.findOwned(ctx, userID, connectionID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return conn, broker, unlock, nil
}

// sealCredentials шифрует учетные данные в поля записи
func (s *ConnectionService) sealCredentials(conn *models.BrokerageConnection, creds models.Credentials) error {
	fields := []struct {
		plain string
		dst   *string
	}{
		{creds.APIKey, &conn.EncryptedAPIKey},
		{creds.APISecret, &conn.EncryptedAPISecret},
		{creds.AccessToken, &conn.EncryptedAccessToken},
		{creds.RefreshToken, &conn.EncryptedRefreshToken},
	}
	for _, f := range fields {
		if f.plain == "" {
			*f.dst = ""
			continue
		}
		enc, err := s.codec.Encrypt(f.plain)
		if err != nil {
			return fmt.Errorf("encrypt credentials: %w", err)
		}
		*f.dst = enc
	}
	conn.TokenExpiresAt = creds.TokenExpiresAt
	return nil
}

// openCredentials расшифровывает учетные данные записи
func (s *ConnectionService) openCredentials(conn *models.BrokerageConnection) (models.Credentials, error) {
	creds := models.Credentials{TokenExpiresAt: conn.TokenExpiresAt}
	fields := []struct {
		enc string
		dst *string
	}{
		{conn.EncryptedAPIKey, &creds.APIKey},
		{conn.EncryptedAPISecret, &creds.APISecret},
		{conn.EncryptedAccessToken, &creds.AccessToken},
		{conn.EncryptedRefreshToken, &creds.RefreshToken},
	}
	for _, f := range fields {
		if f.enc == "" {
			continue
		}
		plain, err := s.codec.Decrypt(f.enc)
		if err != nil {
			return models.Credentials{}, err
		}
		*f.dst = plain
	}
	return creds, nil
}

func (s *ConnectionService) view(conn *models.BrokerageConnection) *models.ConnectionView {
	broker, err := s.registry.Get(conn.BrokerID)
	if err != nil {
		broker = nil
	}
	return models.NewConnectionView(conn, broker)
}

func (s *ConnectionService) countOperation(operation, result string) {
	ConnectionOperations.WithLabelValues(operation, result).Inc()
}
