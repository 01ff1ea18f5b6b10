package probe

import (
	"brokerage/internal/models"
)

// FailureKind - класс неудачной проверки
type FailureKind string

const (
	KindNone               FailureKind = ""
	KindBrokerUnavailable  FailureKind = "broker_unavailable"
	KindInvalidCredentials FailureKind = "invalid_credentials"
	KindError              FailureKind = "error"
)

// Result - итог одной проверки у брокера
type Result struct {
	OK         bool
	Kind       FailureKind
	Message    string
	StatusCode int    // HTTP код ответа брокера, 0 если запрос не дошел
	AccountID  string // идентификатор счета из ответа при успехе
}

// Status отображает результат в статус подключения
func (r Result) Status() models.ConnectionStatus {
	if r.OK {
		return models.StatusConnected
	}
	switch r.Kind {
	case KindBrokerUnavailable:
		return models.StatusBrokerUnavailable
	case KindInvalidCredentials:
		return models.StatusInvalidCredentials
	default:
		return models.StatusError
	}
}

// Outcome - метка для метрик и логов
func (r Result) Outcome() string {
	if r.OK {
		return "connected"
	}
	return string(r.Status())
}

func success(statusCode int, accountID string) Result {
	return Result{OK: true, StatusCode: statusCode, AccountID: accountID, Message: models.StatusConnected.Message()}
}

func failure(kind FailureKind, statusCode int, message string) Result {
	return Result{Kind: kind, StatusCode: statusCode, Message: message}
}

// countsAsFailure - результат говорит о проблеме на стороне брокера
//
// Неверные учетные данные брокер обработал штатно, размыкатель они не трогают.
func (r Result) countsAsFailure() bool {
	if r.OK {
		return false
	}
	if r.Kind == KindBrokerUnavailable {
		return true
	}
	return r.Kind == KindError && r.StatusCode >= 500
}
