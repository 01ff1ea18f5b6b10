package repository

import (
	"context"
	"database/sql"

	"brokerage/internal/models"
)

// BrokerRepository - работа с таблицей brokers
//
// Таблица - проекция реестра брокеров, нужна для внешнего ключа
// brokerage_connections.broker_id.
type BrokerRepository struct {
	db *sql.DB
}

// NewBrokerRepository создает новый экземпляр репозитория
func NewBrokerRepository(db *sql.DB) *BrokerRepository {
	return &BrokerRepository{db: db}
}

// Upsert создает брокера или обновляет его параметры по id
func (r *BrokerRepository) Upsert(ctx context.Context, broker *models.Broker) error {
	query := `
		INSERT INTO brokers (id, name, kind, base_url, streaming_url, token_url, is_live_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			base_url = EXCLUDED.base_url,
			streaming_url = EXCLUDED.streaming_url,
			token_url = EXCLUDED.token_url,
			is_live_mode = EXCLUDED.is_live_mode,
			updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		broker.ID,
		broker.Name,
		broker.Kind,
		broker.BaseURL,
		broker.StreamingURL,
		broker.TokenURL,
		broker.IsLiveMode,
	)
	return err
}

// GetAll возвращает брокеров из БД (для проверки синхронизации с реестром)
func (r *BrokerRepository) GetAll(ctx context.Context) ([]*models.Broker, error) {
	query := `
		SELECT id, name, kind, base_url, streaming_url, token_url, is_live_mode
		FROM brokers
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var brokers []*models.Broker
	for rows.Next() {
		b := &models.Broker{}
		if err := rows.Scan(&b.ID, &b.Name, &b.Kind, &b.BaseURL, &b.StreamingURL, &b.TokenURL, &b.IsLiveMode); err != nil {
			return nil, err
		}
		brokers = append(brokers, b)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return brokers, nil
}
