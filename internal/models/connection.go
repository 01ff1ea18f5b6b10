package models

import (
	"fmt"
	"strings"
	"time"
)

// BrokerageConnection - подключение пользователя к брокеру
//
// Секреты хранятся только в зашифрованном виде, пустая строка = значение отсутствует.
// Version используется для оптимистичной блокировки при обновлении.
type BrokerageConnection struct {
	ID                    int64            `json:"id" db:"id"`
	UserID                int64            `json:"user_id" db:"user_id"`
	BrokerID              int              `json:"broker_id" db:"broker_id"`
	EncryptedAPIKey       string           `json:"-" db:"encrypted_api_key"`
	EncryptedAPISecret    string           `json:"-" db:"encrypted_api_secret"`
	EncryptedAccessToken  string           `json:"-" db:"encrypted_access_token"`
	EncryptedRefreshToken string           `json:"-" db:"encrypted_refresh_token"`
	TokenExpiresAt        *time.Time       `json:"token_expires_at,omitempty" db:"token_expires_at"`
	Status                ConnectionStatus `json:"connection_status" db:"connection_status"`
	LastConnected         *time.Time       `json:"last_connected,omitempty" db:"last_connected"`
	LastError             string           `json:"last_error,omitempty" db:"last_error"`
	Version               int              `json:"-" db:"version"`
	CreatedAt             time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at" db:"updated_at"`
}

// LockKey - ключ сериализации операций для пары (пользователь, брокер)
func (c *BrokerageConnection) LockKey() string {
	return ConnectionLockKey(c.UserID, c.BrokerID)
}

// ConnectionLockKey формирует ключ блокировки для пары (пользователь, брокер)
func ConnectionLockKey(userID int64, brokerID int) string {
	return fmt.Sprintf("connection:%d:%d", userID, brokerID)
}

// Credentials - расшифрованные учетные данные
//
// Существуют только в памяти на время операции. String и GoString
// не раскрывают значения, чтобы случайный вывод в лог был безопасен.
type Credentials struct {
	APIKey         string
	APISecret      string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
}

// Normalize убирает пробелы по краям значений
func (c Credentials) Normalize() Credentials {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.APISecret = strings.TrimSpace(c.APISecret)
	c.AccessToken = strings.TrimSpace(c.AccessToken)
	c.RefreshToken = strings.TrimSpace(c.RefreshToken)
	return c
}

// IsEmpty - ни одного значения не задано
func (c Credentials) IsEmpty() bool {
	return c.APIKey == "" && c.APISecret == "" && c.AccessToken == "" && c.RefreshToken == ""
}

// HasKeyPair - задан api_key или api_secret
func (c Credentials) HasKeyPair() bool {
	return c.APIKey != "" || c.APISecret != ""
}

// AccessTokenExpired - access token задан и его срок истек на момент now
func (c Credentials) AccessTokenExpired(now time.Time) bool {
	return c.AccessToken != "" && c.TokenExpiresAt != nil && !now.Before(*c.TokenExpiresAt)
}

// HasValidAccessToken - access token задан и не истек
func (c Credentials) HasValidAccessToken(now time.Time) bool {
	return c.AccessToken != "" && !c.AccessTokenExpired(now)
}

// Usable - достаточно данных для проверки без обновления токена
func (c Credentials) Usable(now time.Time) bool {
	return c.HasKeyPair() || c.HasValidAccessToken(now)
}

// NeedsRefresh - токен истек (или отсутствует), но есть refresh token
func (c Credentials) NeedsRefresh(now time.Time) bool {
	if c.RefreshToken == "" {
		return false
	}
	return c.AccessToken == "" || c.AccessTokenExpired(now)
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{api_key:%s api_secret:%s access_token:%s refresh_token:%s}",
		presence(c.APIKey), presence(c.APISecret), presence(c.AccessToken), presence(c.RefreshToken))
}

func (c Credentials) GoString() string {
	return c.String()
}

func presence(v string) string {
	if v == "" {
		return "unset"
	}
	return "set"
}

// ConnectionView - представление подключения для API
//
// Вместо секретов содержит только признаки их наличия.
type ConnectionView struct {
	ID              int64            `json:"id"`
	UserID          int64            `json:"user_id"`
	BrokerID        int              `json:"broker_id"`
	Broker          *Broker          `json:"broker,omitempty"`
	HasAPIKey       bool             `json:"has_api_key"`
	HasAPISecret    bool             `json:"has_api_secret"`
	HasAccessToken  bool             `json:"has_access_token"`
	HasRefreshToken bool             `json:"has_refresh_token"`
	TokenExpiresAt  *time.Time       `json:"token_expires_at,omitempty"`
	Status          ConnectionStatus `json:"connection_status"`
	StatusMessage   string           `json:"status_message"`
	LastConnected   *time.Time       `json:"last_connected,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// NewConnectionView строит представление подключения, broker может быть nil
func NewConnectionView(conn *BrokerageConnection, broker *Broker) *ConnectionView {
	return &ConnectionView{
		ID:              conn.ID,
		UserID:          conn.UserID,
		BrokerID:        conn.BrokerID,
		Broker:          broker,
		HasAPIKey:       conn.EncryptedAPIKey != "",
		HasAPISecret:    conn.EncryptedAPISecret != "",
		HasAccessToken:  conn.EncryptedAccessToken != "",
		HasRefreshToken: conn.EncryptedRefreshToken != "",
		TokenExpiresAt:  conn.TokenExpiresAt,
		Status:          conn.Status,
		StatusMessage:   conn.Status.Message(),
		LastConnected:   conn.LastConnected,
		LastError:       conn.LastError,
		CreatedAt:       conn.CreatedAt,
		UpdatedAt:       conn.UpdatedAt,
	}
}
