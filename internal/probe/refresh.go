package probe

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"brokerage/internal/models"
)

// ClientCredentials - OAuth приложение, от имени которого обновляется токен
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// TokenSet - результат обновления токена
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// RefreshToken обменивает refresh token на новый access token
//
// POST token_url, grant_type=refresh_token, клиент аутентифицируется через
// HTTP Basic. Отказ брокера (400/401/403) означает, что refresh token
// больше недействителен.
func (v *Validator) RefreshToken(ctx context.Context, broker *models.Broker, refreshToken string, client ClientCredentials, timeout time.Duration) (TokenSet, Result) {
	var tokens TokenSet

	if !broker.SupportsTokenRefresh() {
		return tokens, failure(KindError, 0, "broker does not support token refresh")
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return tokens, failure(KindInvalidCredentials, 0, "refresh token is missing")
	}

	result := v.execute(ctx, broker, timeout,
		func(ctx context.Context) (*http.Request, error) {
			form := url.Values{}
			form.Set("grant_type", "refresh_token")
			form.Set("refresh_token", refreshToken)

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, broker.TokenURL, strings.NewReader(form.Encode()))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", userAgent)
			if client.ClientID != "" {
				req.SetBasicAuth(client.ClientID, client.ClientSecret)
			}
			return req, nil
		},
		func(statusCode int, body []byte) Result {
			var resp tokenResponse
			if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
				return failure(KindError, statusCode, "token endpoint returned a malformed response")
			}

			tokens.AccessToken = resp.AccessToken
			tokens.RefreshToken = resp.RefreshToken
			if tokens.RefreshToken == "" {
				tokens.RefreshToken = refreshToken
			}
			if resp.ExpiresIn > 0 {
				expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
				tokens.ExpiresAt = &expiresAt
			}
			return success(statusCode, "")
		},
		classifyRefreshStatus,
	)

	TokenRefreshTotal.WithLabelValues(broker.Name, result.Outcome()).Inc()
	if !result.OK {
		return TokenSet{}, result
	}
	return tokens, result
}

// classifyRefreshStatus - 400 от token endpoint означает invalid_grant
func classifyRefreshStatus(statusCode int) Result {
	if statusCode == http.StatusBadRequest {
		return failure(KindInvalidCredentials, statusCode, "broker rejected the refresh token")
	}
	r := classifyProbeStatus(statusCode)
	if r.Kind == KindInvalidCredentials {
		r.Message = "broker rejected the refresh token"
	}
	return r
}
