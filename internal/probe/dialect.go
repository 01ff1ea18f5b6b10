package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"brokerage/internal/models"
)

var json = jsoniter.Config{
	EscapeHTML:             true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// errMissingCredentials - в наборе нет данных, нужных API брокера
var errMissingCredentials = errors.New("credentials required by this broker are missing")

// dialect описывает проверочный запрос конкретного типа API
type dialect interface {
	// newRequest строит аутентифицированный запрос или возвращает errMissingCredentials
	newRequest(ctx context.Context, broker *models.Broker, creds models.Credentials) (*http.Request, error)
	// accountID извлекает идентификатор счета из успешного ответа
	accountID(payload map[string]interface{}) (string, bool)
}

// dialectFor возвращает диалект по типу брокера
func dialectFor(kind string) dialect {
	switch strings.ToLower(kind) {
	case models.BrokerKindTradier:
		return tradierDialect{}
	case models.BrokerKindAlpaca:
		return alpacaDialect{}
	default:
		return genericDialect{}
	}
}

// ============ Tradier ============

// tradierDialect - GET /v1/user/profile с Bearer токеном
type tradierDialect struct{}

func (tradierDialect) newRequest(ctx context.Context, broker *models.Broker, creds models.Credentials) (*http.Request, error) {
	token := creds.AccessToken
	if token == "" {
		token = creds.APIKey
	}
	if token == "" {
		return nil, errMissingCredentials
	}

	req, err := newGet(ctx, broker.BaseURL, "/v1/user/profile")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (tradierDialect) accountID(payload map[string]interface{}) (string, bool) {
	profile, ok := payload["profile"].(map[string]interface{})
	if !ok {
		return "", false
	}
	return idString(profile["id"])
}

// ============ Alpaca ============

// alpacaDialect - GET /v2/account с парой ключей (или OAuth токеном)
type alpacaDialect struct{}

func (alpacaDialect) newRequest(ctx context.Context, broker *models.Broker, creds models.Credentials) (*http.Request, error) {
	req, err := newGet(ctx, broker.BaseURL, "/v2/account")
	if err != nil {
		return nil, err
	}

	switch {
	case creds.APIKey != "" && creds.APISecret != "":
		req.Header.Set("APCA-API-KEY-ID", creds.APIKey)
		req.Header.Set("APCA-API-SECRET-KEY", creds.APISecret)
	case creds.AccessToken != "":
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	default:
		return nil, errMissingCredentials
	}
	return req, nil
}

func (alpacaDialect) accountID(payload map[string]interface{}) (string, bool) {
	return idString(payload["id"])
}

// ============ Generic ============

// genericDialect - GET /v1/account, Bearer токен или X-API-KEY/X-API-SECRET
type genericDialect struct{}

func (genericDialect) newRequest(ctx context.Context, broker *models.Broker, creds models.Credentials) (*http.Request, error) {
	req, err := newGet(ctx, broker.BaseURL, "/v1/account")
	if err != nil {
		return nil, err
	}

	switch {
	case creds.AccessToken != "":
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	case creds.APIKey != "":
		req.Header.Set("X-API-KEY", creds.APIKey)
		if creds.APISecret != "" {
			req.Header.Set("X-API-SECRET", creds.APISecret)
		}
	default:
		return nil, errMissingCredentials
	}
	return req, nil
}

func (genericDialect) accountID(payload map[string]interface{}) (string, bool) {
	if id, ok := idString(payload["id"]); ok {
		return id, true
	}
	return idString(payload["account_id"])
}

// ============ Helpers ============

func newGet(ctx context.Context, baseURL, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(baseURL, path), nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

func joinURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}

// idString приводит идентификатор из JSON (строка или число) к строке
func idString(v interface{}) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case fmt.Stringer: // json.Number при UseNumber
		s := id.String()
		return s, s != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	}
	return "", false
}
