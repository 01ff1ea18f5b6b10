package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"brokerage/pkg/ratelimit"
	"brokerage/pkg/utils"
)

const testSecret = "test-jwt-secret-with-at-least-32-chars"

// echoUser отвечает идентификатором пользователя из context
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	id, ok := UserIDFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	w.Write([]byte(strconv.FormatInt(id, 10)))
})

func signed(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

// ============ Auth Tests ============

func TestAuth(t *testing.T) {
	valid, err := IssueToken(testSecret, 42, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	subOnly := signed(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	expired := signed(t, jwt.SigningMethodHS256, testSecret, &Claims{
		UserID:           42,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	})
	wrongSecret := signed(t, jwt.SigningMethodHS256, "another-secret-another-secret-0000", &Claims{UserID: 42})
	wrongAlg := signed(t, jwt.SigningMethodHS512, testSecret, &Claims{UserID: 42})
	noUser := signed(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: "alice"})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"валидный токен с user_id", "Bearer " + valid, http.StatusOK, "42"},
		{"fallback на sub", "Bearer " + subOnly, http.StatusOK, "7"},
		{"схема без учета регистра", "bearer " + valid, http.StatusOK, "42"},
		{"нет заголовка", "", http.StatusUnauthorized, ""},
		{"не Bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"истекший токен", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"чужой секрет", "Bearer " + wrongSecret, http.StatusUnauthorized, ""},
		{"другой алгоритм", "Bearer " + wrongAlg, http.StatusUnauthorized, ""},
		{"нет идентификатора", "Bearer " + noUser, http.StatusUnauthorized, ""},
	}

	handler := Auth(testSecret, utils.NewNopLogger())(echoUser)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/brokerage_connections", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d (%s)", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, w.Body.String())
			}
			if tt.wantStatus == http.StatusUnauthorized && !strings.Contains(w.Body.String(), `"code":"unauthorized"`) {
				t.Errorf("expected JSON error body, got %s", w.Body.String())
			}
		})
	}
}

func TestAuth_QueryTokenOnlyForWebSocket(t *testing.T) {
	token, _ := IssueToken(testSecret, 5, time.Hour)
	handler := Auth(testSecret, utils.NewNopLogger())(echoUser)

	t.Run("обычный запрос", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/brokerage_connections?token="+token, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("websocket handshake", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/stream?token="+token, nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
	})
}

// ============ Recovery Tests ============

func TestRecovery_DoesNotLeakPanicValue(t *testing.T) {
	handler := Recovery(utils.NewNopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("api_secret=hunter2")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Errorf("panic value leaked into response: %s", w.Body.String())
	}
}

// ============ RateLimit Tests ============

func TestRateLimit_PerUser(t *testing.T) {
	limiter := ratelimit.NewKeyedLimiter(0.001, 2, time.Minute)
	handler := RateLimit(limiter, utils.NewNopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(userID int64) int {
		req := httptest.NewRequest(http.MethodPost, "/brokerage_connections/test", nil)
		req = req.WithContext(WithUserID(req.Context(), userID))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := do(1); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := do(1); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", code)
	}
	// У другого пользователя свой bucket
	if code := do(2); code != http.StatusOK {
		t.Errorf("other user: expected 200, got %d", code)
	}
}

// ============ Logging Tests ============

func TestLogging_RequestID(t *testing.T) {
	var seen string
	handler := Logging(utils.NewNopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	t.Run("генерирует идентификатор", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		got := w.Header().Get(RequestIDHeader)
		if _, err := uuid.Parse(got); err != nil {
			t.Fatalf("expected uuid request id, got %q", got)
		}
		if seen != got {
			t.Errorf("context request id %q != header %q", seen, got)
		}
	})

	t.Run("сохраняет присланный идентификатор", func(t *testing.T) {
		id := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, id)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Header().Get(RequestIDHeader) != id {
			t.Errorf("expected %q, got %q", id, w.Header().Get(RequestIDHeader))
		}
	})

	t.Run("заменяет мусорный идентификатор", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "<script>")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Header().Get(RequestIDHeader) == "<script>" {
			t.Error("untrusted request id must be replaced")
		}
	})
}
