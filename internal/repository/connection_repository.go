package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"brokerage/internal/models"
)

// Ошибки репозитория подключений
var (
	ErrConnectionNotFound = errors.New("brokerage connection not found")
	ErrConnectionExists   = errors.New("brokerage connection already exists for this broker")
	ErrVersionConflict    = errors.New("brokerage connection was modified concurrently")
)

const connectionColumns = `id, user_id, broker_id,
		encrypted_api_key, encrypted_api_secret, encrypted_access_token, encrypted_refresh_token,
		token_expires_at, connection_status, last_connected, last_error, version, created_at, updated_at`

// ConnectionRepository - работа с таблицей brokerage_connections
type ConnectionRepository struct {
	db *sql.DB
}

// NewConnectionRepository создает новый экземпляр репозитория
func NewConnectionRepository(db *sql.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// Save вставляет новую запись (ID == 0) или обновляет существующую с проверкой версии
func (r *ConnectionRepository) Save(ctx context.Context, conn *models.BrokerageConnection) error {
	if conn.ID == 0 {
		return r.create(ctx, conn)
	}
	return r.update(ctx, conn)
}

func (r *ConnectionRepository) create(ctx context.Context, conn *models.BrokerageConnection) error {
	query := `
		INSERT INTO brokerage_connections (
			user_id, broker_id,
			encrypted_api_key, encrypted_api_secret, encrypted_access_token, encrypted_refresh_token,
			token_expires_at, connection_status, last_connected, last_error, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $11)
		RETURNING id`

	now := time.Now().UTC()

	err := r.db.QueryRowContext(ctx, query,
		conn.UserID,
		conn.BrokerID,
		nullString(conn.EncryptedAPIKey),
		nullString(conn.EncryptedAPISecret),
		nullString(conn.EncryptedAccessToken),
		nullString(conn.EncryptedRefreshToken),
		conn.TokenExpiresAt,
		conn.Status,
		conn.LastConnected,
		conn.LastError,
		now,
	).Scan(&conn.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrConnectionExists
		}
		return err
	}

	conn.Version = 1
	conn.CreatedAt = now
	conn.UpdatedAt = now
	return nil
}

// update сохраняет все изменяемые поля, если версия в БД совпадает с conn.Version
func (r *ConnectionRepository) update(ctx context.Context, conn *models.BrokerageConnection) error {
	query := `
		UPDATE brokerage_connections
		SET encrypted_api_key = $1,
			encrypted_api_secret = $2,
			encrypted_access_token = $3,
			encrypted_refresh_token = $4,
			token_expires_at = $5,
			connection_status = $6,
			last_connected = $7,
			last_error = $8,
			version = version + 1,
			updated_at = $9
		WHERE id = $10 AND version = $11`

	now := time.Now().UTC()

	result, err := r.db.ExecContext(ctx, query,
		nullString(conn.EncryptedAPIKey),
		nullString(conn.EncryptedAPISecret),
		nullString(conn.EncryptedAccessToken),
		nullString(conn.EncryptedRefreshToken),
		conn.TokenExpiresAt,
		conn.Status,
		conn.LastConnected,
		conn.LastError,
		now,
		conn.ID,
		conn.Version,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		// Отличаем удаленную запись от устаревшей версии
		var exists bool
		err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM brokerage_connections WHERE id = $1)`, conn.ID,
		).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrConnectionNotFound
		}
		return ErrVersionConflict
	}

	conn.Version++
	conn.UpdatedAt = now
	return nil
}

// Find возвращает подключение по ID
func (r *ConnectionRepository) Find(ctx context.Context, id int64) (*models.BrokerageConnection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM brokerage_connections
		WHERE id = $1`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return conn, nil
}

// FindActive возвращает подключение пользователя к брокеру
//
// Уникальное ограничение (user_id, broker_id) гарантирует не более одной записи.
func (r *ConnectionRepository) FindActive(ctx context.Context, userID int64, brokerID int) (*models.BrokerageConnection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM brokerage_connections
		WHERE user_id = $1 AND broker_id = $2`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, userID, brokerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return conn, nil
}

// FindByUser возвращает все подключения пользователя
func (r *ConnectionRepository) FindByUser(ctx context.Context, userID int64) ([]*models.BrokerageConnection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM brokerage_connections
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*models.BrokerageConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return conns, nil
}

// Delete удаляет подключение
func (r *ConnectionRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM brokerage_connections WHERE id = $1`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrConnectionNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (*models.BrokerageConnection, error) {
	conn := &models.BrokerageConnection{}
	var (
		apiKey, apiSecret, accessToken, refreshToken sql.NullString
		tokenExpiresAt, lastConnected                sql.NullTime
	)

	err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.BrokerID,
		&apiKey,
		&apiSecret,
		&accessToken,
		&refreshToken,
		&tokenExpiresAt,
		&conn.Status,
		&lastConnected,
		&conn.LastError,
		&conn.Version,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.EncryptedAPIKey = apiKey.String
	conn.EncryptedAPISecret = apiSecret.String
	conn.EncryptedAccessToken = accessToken.String
	conn.EncryptedRefreshToken = refreshToken.String
	conn.TokenExpiresAt = timePtr(tokenExpiresAt)
	conn.LastConnected = timePtr(lastConnected)

	return conn, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// isUniqueViolation проверяет нарушение уникального ограничения PostgreSQL (23505)
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "23505")
}
