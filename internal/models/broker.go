package models

// Типы брокерских API, определяют формат проверочного запроса
const (
	BrokerKindTradier = "tradier"
	BrokerKindAlpaca  = "alpaca"
	BrokerKindGeneric = "generic"
)

// Broker - справочная запись о брокере
//
// Создается только при загрузке реестра, действия пользователей ее не меняют.
type Broker struct {
	ID           int    `json:"id" yaml:"id" db:"id"`
	Name         string `json:"name" yaml:"name" db:"name"`
	Kind         string `json:"kind" yaml:"kind" db:"kind"`
	BaseURL      string `json:"base_url" yaml:"base_url" db:"base_url"`
	StreamingURL string `json:"streaming_url,omitempty" yaml:"streaming_url" db:"streaming_url"`
	TokenURL     string `json:"-" yaml:"token_url" db:"token_url"` // OAuth endpoint обновления токена
	IsLiveMode   bool   `json:"is_live_mode" yaml:"is_live_mode" db:"is_live_mode"`
}

// SupportsTokenRefresh - у брокера есть endpoint обновления access token
func (b *Broker) SupportsTokenRefresh() bool {
	return b.TokenURL != ""
}
