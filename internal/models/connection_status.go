package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// ConnectionStatus - состояние брокерского подключения
type ConnectionStatus string

const (
	StatusPending            ConnectionStatus = "pending"             // создано, проверка еще не выполнялась
	StatusTesting            ConnectionStatus = "testing"             // идет проверка у брокера
	StatusConnected          ConnectionStatus = "connected"           // учетные данные приняты брокером
	StatusInvalidCredentials ConnectionStatus = "invalid_credentials" // брокер отклонил учетные данные (401/403)
	StatusBrokerUnavailable  ConnectionStatus = "broker_unavailable"  // брокер недоступен или не ответил вовремя
	StatusError              ConnectionStatus = "error"               // неожиданный ответ или внутренняя ошибка
	StatusDisconnected       ConnectionStatus = "disconnected"        // отключено пользователем
)

// ErrUnknownStatus возвращается при разборе значения вне перечисления
var ErrUnknownStatus = errors.New("unknown connection status")

// AllStatuses возвращает все допустимые статусы в порядке жизненного цикла
func AllStatuses() []ConnectionStatus {
	return []ConnectionStatus{
		StatusPending,
		StatusTesting,
		StatusConnected,
		StatusInvalidCredentials,
		StatusBrokerUnavailable,
		StatusError,
		StatusDisconnected,
	}
}

// Valid проверяет, что статус входит в перечисление
func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusTesting, StatusConnected, StatusInvalidCredentials,
		StatusBrokerUnavailable, StatusError, StatusDisconnected:
		return true
	}
	return false
}

// IsTerminal - true для статусов, в которых подключение остается после проверки
func (s ConnectionStatus) IsTerminal() bool {
	switch s {
	case StatusConnected, StatusInvalidCredentials, StatusBrokerUnavailable, StatusError, StatusDisconnected:
		return true
	}
	return false
}

// CanTransitionTo проверяет допустимость перехода
//
// Таблица переходов:
//   - pending -> testing
//   - testing -> testing (повторная проверка зависшей записи)
//   - testing -> любой итоговый статус
//   - итоговый статус -> testing (повторная проверка)
//   - любой -> disconnected
func (s ConnectionStatus) CanTransitionTo(next ConnectionStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if next == StatusDisconnected {
		return true
	}

	switch s {
	case StatusPending:
		return next == StatusTesting
	case StatusTesting:
		return next == StatusTesting || next.IsTerminal()
	case StatusConnected, StatusInvalidCredentials, StatusBrokerUnavailable, StatusError, StatusDisconnected:
		return next == StatusTesting
	}
	return false
}

// Message возвращает человекочитаемое описание статуса для UI
func (s ConnectionStatus) Message() string {
	switch s {
	case StatusPending:
		return "Connection has not been verified yet"
	case StatusTesting:
		return "Verifying credentials with the broker"
	case StatusConnected:
		return "Connected"
	case StatusInvalidCredentials:
		return "The broker rejected these credentials"
	case StatusBrokerUnavailable:
		return "The broker is unreachable right now, try again later"
	case StatusError:
		return "Unexpected error while verifying the connection"
	case StatusDisconnected:
		return "Connection is disabled"
	}
	return ""
}

// ParseConnectionStatus разбирает строку в статус
func ParseConnectionStatus(value string) (ConnectionStatus, error) {
	s := ConnectionStatus(value)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, value)
	}
	return s, nil
}

// Scan реализует sql.Scanner, неизвестные значения из БД отклоняются
func (s *ConnectionStatus) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrUnknownStatus, src)
	}

	parsed, err := ParseConnectionStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value реализует driver.Valuer
func (s ConnectionStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, string(s))
	}
	return string(s), nil
}

// UnmarshalText не дает принять неизвестный статус из JSON
func (s *ConnectionStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseConnectionStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
