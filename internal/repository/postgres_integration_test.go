//go:build integration

// Интеграционные тесты репозиториев на реальной PostgreSQL.
//
// Запуск: go test -tags=integration ./internal/repository/...
// Параметры подключения берутся из TEST_DB_* (по умолчанию localhost:5432/brokerage_test).
package repository

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerage/internal/config"
	"brokerage/internal/database"
	"brokerage/internal/models"
	"brokerage/internal/registry"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func testDatabaseConfig() config.DatabaseConfig {
	port, _ := strconv.Atoi(getEnv("TEST_DB_PORT", "5432"))
	return config.DatabaseConfig{
		Driver:   "postgres",
		Host:     getEnv("TEST_DB_HOST", "localhost"),
		Port:     port,
		Name:     getEnv("TEST_DB_NAME", "brokerage_test"),
		User:     getEnv("TEST_DB_USER", "postgres"),
		Password: getEnv("TEST_DB_PASSWORD", "postgres"),
		SSLMode:  getEnv("TEST_DB_SSLMODE", "disable"),
	}
}

// setupTestDB подключается к тестовой БД, применяет миграции и заполняет brokers.
// Тест пропускается, если БД недоступна.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := testDatabaseConfig()

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		t.Skipf("Skipping integration test: cannot open database: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("Skipping integration test: cannot ping database: %v", err)
	}

	mg, err := database.NewMigrator(cfg.URL())
	require.NoError(t, err)
	require.NoError(t, mg.Up())
	require.NoError(t, mg.Close())

	require.NoError(t, registry.Default().Seed(context.Background(), NewBrokerRepository(db)))

	_, err = db.Exec(`TRUNCATE TABLE brokerage_connections RESTART IDENTITY`)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Exec(`TRUNCATE TABLE brokerage_connections RESTART IDENTITY`)
		db.Close()
	})
	return db
}

func TestIntegration_BrokerSeedIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBrokerRepository(db)
	reg := registry.Default()

	require.NoError(t, reg.Seed(context.Background(), repo))

	brokers, err := repo.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, brokers, len(reg.List()))
}

func TestIntegration_ConnectionLifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConnectionRepository(db)
	ctx := context.Background()

	conn := &models.BrokerageConnection{
		UserID:          7,
		BrokerID:        1,
		EncryptedAPIKey: "enc-key",
		Status:          models.StatusPending,
	}
	require.NoError(t, repo.Save(ctx, conn))
	require.NotZero(t, conn.ID)
	assert.Equal(t, 1, conn.Version)

	// Вторая активная запись для той же пары запрещена
	dup := &models.BrokerageConnection{UserID: 7, BrokerID: 1, Status: models.StatusPending}
	assert.ErrorIs(t, repo.Save(ctx, dup), ErrConnectionExists)

	// Обновление увеличивает версию
	now := time.Now().UTC().Truncate(time.Second)
	conn.Status = models.StatusConnected
	conn.LastConnected = &now
	require.NoError(t, repo.Save(ctx, conn))
	assert.Equal(t, 2, conn.Version)

	got, err := repo.Find(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, got.Status)
	assert.Equal(t, "enc-key", got.EncryptedAPIKey)
	assert.Empty(t, got.EncryptedAPISecret)
	require.NotNil(t, got.LastConnected)
	assert.True(t, now.Equal(got.LastConnected.UTC()))

	active, err := repo.FindActive(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, active.ID)

	list, err := repo.FindByUser(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = repo.FindByUser(ctx, 8)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, repo.Delete(ctx, conn.ID))
	assert.ErrorIs(t, repo.Delete(ctx, conn.ID), ErrConnectionNotFound)

	_, err = repo.Find(ctx, conn.ID)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestIntegration_StaleVersionRejected(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConnectionRepository(db)
	ctx := context.Background()

	conn := &models.BrokerageConnection{UserID: 1, BrokerID: 2, Status: models.StatusPending}
	require.NoError(t, repo.Save(ctx, conn))

	first, err := repo.Find(ctx, conn.ID)
	require.NoError(t, err)
	second, err := repo.Find(ctx, conn.ID)
	require.NoError(t, err)

	first.Status = models.StatusTesting
	require.NoError(t, repo.Save(ctx, first))

	second.Status = models.StatusDisconnected
	assert.ErrorIs(t, repo.Save(ctx, second), ErrVersionConflict)

	got, err := repo.Find(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTesting, got.Status)
}

func TestIntegration_ConcurrentCreateSingleWinner(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConnectionRepository(db)
	ctx := context.Background()

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		conflict int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Save(ctx, &models.BrokerageConnection{UserID: 99, BrokerID: 3, Status: models.StatusPending})
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				created++
			case ErrConnectionExists:
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, conflict)
}
