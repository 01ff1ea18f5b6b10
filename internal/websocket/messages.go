package websocket

import (
	"time"

	"brokerage/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeConnectionStatus - изменился статус подключения
	// Отправляется при каждом переходе: pending, testing, итоговый статус
	MessageTypeConnectionStatus MessageType = "connectionStatus"

	// MessageTypeConnectionDeleted - подключение удалено
	MessageTypeConnectionDeleted MessageType = "connectionDeleted"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConnectionStatusMessage - текущее состояние подключения, без секретов
type ConnectionStatusMessage struct {
	BaseMessage
	Data *models.ConnectionView `json:"data"`
}

// ConnectionDeletedMessage - подключение удалено пользователем
type ConnectionDeletedMessage struct {
	BaseMessage
	ConnectionID int64 `json:"connection_id"`
}

// NewConnectionStatusMessage создает сообщение о статусе подключения
func NewConnectionStatusMessage(view *models.ConnectionView) *ConnectionStatusMessage {
	return &ConnectionStatusMessage{
		BaseMessage: BaseMessage{Type: MessageTypeConnectionStatus, Timestamp: time.Now().UTC()},
		Data:        view,
	}
}

// NewConnectionDeletedMessage создает сообщение об удалении подключения
func NewConnectionDeletedMessage(connectionID int64) *ConnectionDeletedMessage {
	return &ConnectionDeletedMessage{
		BaseMessage:  BaseMessage{Type: MessageTypeConnectionDeleted, Timestamp: time.Now().UTC()},
		ConnectionID: connectionID,
	}
}
