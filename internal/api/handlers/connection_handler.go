package handlers

import (
	"net/http"

	"brokerage/internal/models"
	"brokerage/internal/service"
	"brokerage/pkg/utils"
)

// ConnectionHandler отвечает за брокерские подключения пользователя
//
// Endpoints:
// - GET /brokerage_connections - подключения текущего пользователя
// - GET /brokerage_connections/{id} - одно подключение
// - POST /brokerage_connections - добавить подключение и проверить его
// - POST /brokerage_connections/test - проверить учетные данные без сохранения
// - POST /brokerage_connections/{id}/test - перепроверить сохраненное подключение
// - PATCH /brokerage_connections/{id} - заменить учетные данные и перепроверить
// - POST /brokerage_connections/{id}/disconnect - отключить, сохранив данные
// - DELETE /brokerage_connections/{id} - удалить подключение
//
// Неудачная проверка у брокера не ошибка запроса: ответ 200 со статусом.
type ConnectionHandler struct {
	connections service.ConnectionServiceInterface
	logger      *utils.Logger
}

// NewConnectionHandler создает новый ConnectionHandler
func NewConnectionHandler(connections service.ConnectionServiceInterface, logger *utils.Logger) *ConnectionHandler {
	if logger == nil {
		logger = utils.L()
	}
	return &ConnectionHandler{
		connections: connections,
		logger:      logger.WithComponent("connection-handler"),
	}
}

// GetConnections возвращает подключения пользователя
// GET /brokerage_connections
//
// Секреты не возвращаются, только признаки has_api_key, has_access_token и т.д.
func (h *ConnectionHandler) GetConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	views, err := h.connections.ListConnections(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	if views == nil {
		views = []*models.ConnectionView{}
	}
	respondWithJSON(w, http.StatusOK, views)
}

// GetConnection возвращает одно подключение пользователя
// GET /brokerage_connections/{id}
func (h *ConnectionHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid connection id", err.Error())
		return
	}

	view, err := h.connections.GetConnection(r.Context(), userID, id)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, view)
}

// CreateConnection добавляет подключение и сразу проверяет его у брокера
// POST /brokerage_connections
//
// Тело запроса:
//
//	{
//	  "broker_id": 3,
//	  "api_key": "PK...",
//	  "api_secret": "...",
//	  "access_token": "...",        // для OAuth брокеров
//	  "refresh_token": "...",
//	  "token_expires_at": "2026-01-01T00:00:00Z"
//	}
//
// Ответы:
// - 201 Created: подключение создано, connection_status - итог проверки
// - 400 Bad Request: неизвестный брокер или пустые учетные данные
// - 409 Conflict: подключение к этому брокеру уже есть
func (h *ConnectionHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	// 1. Декодируем и валидируем тело
	var req ConnectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err.Error())
		return
	}

	// 2. Создаем и проверяем через сервис
	view, err := h.connections.CreateConnection(r.Context(), userID, req.BrokerID, req.Credentials())
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, view)
}

// TestCredentials проверяет учетные данные без сохранения
// POST /brokerage_connections/test
//
// Ответ: {"ok": false, "status": "invalid_credentials", "message": "..."}
func (h *ConnectionHandler) TestCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req ConnectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err.Error())
		return
	}

	result, err := h.connections.TestCredentials(r.Context(), userID, req.BrokerID, req.Credentials())
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// TestConnection перепроверяет сохраненное подключение
// POST /brokerage_connections/{id}/test
func (h *ConnectionHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid connection id", err.Error())
		return
	}

	result, err := h.connections.TestConnection(r.Context(), userID, id)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// UpdateCredentials заменяет учетные данные подключения и перепроверяет его
// PATCH /brokerage_connections/{id}
//
// Тело запроса - те же поля, что при создании, без broker_id.
// Набор заменяется целиком: не переданные значения удаляются.
func (h *ConnectionHandler) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid connection id", err.Error())
		return
	}

	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err.Error())
		return
	}

	view, err := h.connections.UpdateCredentials(r.Context(), userID, id, req.Credentials())
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, view)
}

// DisconnectConnection переводит подключение в disconnected
// POST /brokerage_connections/{id}/disconnect
func (h *ConnectionHandler) DisconnectConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid connection id", err.Error())
		return
	}

	view, err := h.connections.DisconnectConnection(r.Context(), userID, id)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, view)
}

// DeleteConnection удаляет подключение
// DELETE /brokerage_connections/{id}
//
// Ответы:
// - 204 No Content: удалено
// - 404 Not Found: нет такого подключения у пользователя
func (h *ConnectionHandler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid connection id", err.Error())
		return
	}

	if err := h.connections.DeleteConnection(r.Context(), userID, id); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
