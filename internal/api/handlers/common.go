package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"brokerage/internal/api/middleware"
	"brokerage/internal/lock"
	"brokerage/internal/models"
	"brokerage/internal/service"
	"brokerage/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = validator.New(validator.WithRequiredStructEnabled())

// MaxRequestBodySize ограничение размера тела запроса (1 MB)
const MaxRequestBodySize = 1 << 20 // 1 MB

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// CredentialsRequest - учетные данные брокера в теле запроса
//
// Все поля необязательны по отдельности; какие из них нужны, решает сервис
// по типу брокера.
type CredentialsRequest struct {
	APIKey         string     `json:"api_key" validate:"max=512"`
	APISecret      string     `json:"api_secret" validate:"max=512"`
	AccessToken    string     `json:"access_token" validate:"max=8192"`
	RefreshToken   string     `json:"refresh_token" validate:"max=8192"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
}

// Credentials переводит запрос в доменную модель
func (r CredentialsRequest) Credentials() models.Credentials {
	return models.Credentials{
		APIKey:         r.APIKey,
		APISecret:      r.APISecret,
		AccessToken:    r.AccessToken,
		RefreshToken:   r.RefreshToken,
		TokenExpiresAt: r.TokenExpiresAt,
	}
}

// ConnectionRequest - тело POST /brokerage_connections и /brokerage_connections/test
type ConnectionRequest struct {
	BrokerID int `json:"broker_id" validate:"required,gt=0"`
	CredentialsRequest
}

// decodeJSON ограничивает размер тела, декодирует и валидирует его
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return validationDetails(err)
	}
	return nil
}

// validationDetails превращает ошибки validator в читаемую строку
func validationDetails(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "gt":
			parts = append(parts, field+" must be greater than "+fe.Param())
		case "max":
			parts = append(parts, field+" is too long")
		default:
			parts = append(parts, field+" is invalid")
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

// pathID читает {id} из пути
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("connection id must be a positive integer")
	}
	return id, nil
}

// requireUser возвращает аутентифицированного пользователя или пишет 401
func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return 0, false
	}
	return userID, true
}

// handleServiceError выбирает HTTP код по классу ошибки сервиса
//
// Текст внутренних ошибок клиенту не отдается, только в лог.
func handleServiceError(w http.ResponseWriter, r *http.Request, logger *utils.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		respondWithError(w, http.StatusBadRequest, "validation_error", "Invalid request", strings.TrimPrefix(err.Error(), service.ErrValidation.Error()+": "))

	case errors.Is(err, service.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "not_found", "Brokerage connection not found", "")

	case errors.Is(err, service.ErrConflict):
		respondWithError(w, http.StatusConflict, "connection_exists", "A connection to this broker already exists", "Delete or update the existing connection")

	case errors.Is(err, lock.ErrLockTimeout):
		respondWithError(w, http.StatusServiceUnavailable, "busy", "Another operation on this connection is in progress", "Retry later")

	case errors.Is(err, service.ErrDecryption):
		logger.Error("Stored credentials cannot be decrypted", utils.Path(r.URL.Path), utils.Err(err))
		respondWithError(w, http.StatusInternalServerError, "decryption_error", "Stored credentials cannot be decrypted", "Re-enter credentials for this broker")

	default:
		logger.Error("Request failed", utils.Path(r.URL.Path), utils.Err(err))
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondWithError отправляет JSON ответ с ошибкой
func respondWithError(w http.ResponseWriter, statusCode int, code, message, details string) {
	respondWithJSON(w, statusCode, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
