package service

import (
	"errors"
	"fmt"
)

// Базовые классы ошибок, по ним handlers выбирают HTTP код
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrDecryption = errors.New("stored credentials cannot be decrypted")
)

// Ошибки сервиса подключений
var (
	ErrInvalidUser         = fmt.Errorf("%w: user id is required", ErrValidation)
	ErrUnknownBroker       = fmt.Errorf("%w: unknown broker", ErrValidation)
	ErrEmptyCredentials    = fmt.Errorf("%w: credentials are required", ErrValidation)
	ErrUnusableCredentials = fmt.Errorf("%w: api key/secret or a valid access token is required", ErrValidation)
	ErrConnectionNotFound  = fmt.Errorf("%w: brokerage connection not found", ErrNotFound)
	ErrConnectionExists    = fmt.Errorf("%w: a connection to this broker already exists", ErrConflict)

	// ErrInvalidTransition - переход статуса запрещен таблицей переходов
	ErrInvalidTransition = errors.New("invalid connection status transition")
)
