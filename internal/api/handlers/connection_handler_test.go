package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"brokerage/internal/api/middleware"
	"brokerage/internal/lock"
	"brokerage/internal/models"
	"brokerage/internal/service"
	"brokerage/pkg/utils"
)

const testUser int64 = 10

// ============ Helpers ============

type request struct {
	method string
	path   string
	id     int64 // {id} в пути, 0 = нет
	userID int64 // 0 = без аутентификации
	body   string
}

func serve(h http.HandlerFunc, req request) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if req.body != "" {
		body = bytes.NewReader([]byte(req.body))
	} else {
		body = bytes.NewReader(nil)
	}

	r := httptest.NewRequest(req.method, req.path, body)
	r.Header.Set("Content-Type", "application/json")
	if req.id != 0 {
		r = mux.SetURLVars(r, map[string]string{"id": strconv.FormatInt(req.id, 10)})
	}
	if req.userID != 0 {
		r = r.WithContext(middleware.WithUserID(r.Context(), req.userID))
	}

	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func newHandler() (*ConnectionHandler, *MockConnectionService) {
	svc := NewMockConnectionService()
	return NewConnectionHandler(svc, utils.NewNopLogger()), svc
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v (%s)", err, w.Body.String())
	}
	return resp
}

// ============ BrokerHandler Tests ============

func TestBrokerHandler_GetBrokers(t *testing.T) {
	svc := NewMockConnectionService()
	handler := NewBrokerHandler(svc)

	w := serve(handler.GetBrokers, request{method: http.MethodGet, path: "/brokers"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var brokers []models.Broker
	if err := json.NewDecoder(w.Body).Decode(&brokers); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(brokers) != 1 || brokers[0].Kind != models.BrokerKindAlpaca {
		t.Errorf("unexpected brokers: %+v", brokers)
	}
}

// ============ ConnectionHandler Tests ============

func TestConnectionHandler_RequiresUser(t *testing.T) {
	handler, svc := newHandler()

	w := serve(handler.GetConnections, request{method: http.MethodGet, path: "/brokerage_connections"})

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
	if svc.Calls("ListConnections") != 0 {
		t.Error("service must not be called without user")
	}
}

func TestConnectionHandler_GetConnections(t *testing.T) {
	t.Run("пустой список - массив, а не null", func(t *testing.T) {
		handler, _ := newHandler()

		w := serve(handler.GetConnections, request{method: http.MethodGet, path: "/brokerage_connections", userID: testUser})

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		if strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("expected [], got %s", w.Body.String())
		}
	})

	t.Run("только подключения пользователя", func(t *testing.T) {
		handler, svc := newHandler()
		svc.AddConnection(testUser, 1, models.StatusConnected)
		svc.AddConnection(testUser+1, 1, models.StatusConnected)

		w := serve(handler.GetConnections, request{method: http.MethodGet, path: "/brokerage_connections", userID: testUser})

		var views []models.ConnectionView
		if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(views) != 1 || views[0].UserID != testUser {
			t.Errorf("unexpected views: %+v", views)
		}
	})

	t.Run("ошибка хранилища не раскрывается", func(t *testing.T) {
		handler, svc := newHandler()
		svc.SetError(ErrMockDatabase)

		w := serve(handler.GetConnections, request{method: http.MethodGet, path: "/brokerage_connections", userID: testUser})

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}
		if strings.Contains(w.Body.String(), ErrMockDatabase.Error()) {
			t.Errorf("internal error leaked: %s", w.Body.String())
		}
	})
}

func TestConnectionHandler_CreateConnection(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		prepare    func(*MockConnectionService)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "успешное создание",
			body:       `{"broker_id":1,"api_key":"PK1","api_secret":"s1"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "некорректный JSON",
			body:       `{"broker_id":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "нет broker_id",
			body:       `{"api_key":"PK1"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "неизвестный брокер",
			body:       `{"broker_id":99,"api_key":"PK1"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
		},
		{
			name:       "пустые учетные данные",
			body:       `{"broker_id":1,"api_key":"  "}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
		},
		{
			name:       "слишком длинный ключ",
			body:       `{"broker_id":1,"api_key":"` + strings.Repeat("k", 600) + `"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name: "дубликат",
			body: `{"broker_id":1,"api_key":"PK1"}`,
			prepare: func(m *MockConnectionService) {
				m.AddConnection(testUser, 1, models.StatusConnected)
			},
			wantStatus: http.StatusConflict,
			wantCode:   "connection_exists",
		},
		{
			name:       "блокировка занята",
			body:       `{"broker_id":1,"api_key":"PK1"}`,
			prepare:    func(m *MockConnectionService) { m.SetError(lock.ErrLockTimeout) },
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, svc := newHandler()
			if tt.prepare != nil {
				tt.prepare(svc)
			}

			w := serve(handler.CreateConnection, request{
				method: http.MethodPost, path: "/brokerage_connections", userID: testUser, body: tt.body,
			})

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d (%s)", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantCode != "" {
				if resp := decodeError(t, w); resp.Code != tt.wantCode {
					t.Errorf("expected code %q, got %q", tt.wantCode, resp.Code)
				}
			}
		})
	}
}

func TestConnectionHandler_CreateConnection_PassesCredentials(t *testing.T) {
	handler, svc := newHandler()

	body := `{"broker_id":1,"access_token":"at","refresh_token":"rt","token_expires_at":"2030-01-02T03:04:05Z"}`
	w := serve(handler.CreateConnection, request{method: http.MethodPost, path: "/brokerage_connections", userID: testUser, body: body})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, w.Code)
	}

	creds := svc.LastCreds()
	if creds.AccessToken != "at" || creds.RefreshToken != "rt" {
		t.Errorf("tokens not passed: %v", creds)
	}
	if creds.TokenExpiresAt == nil || creds.TokenExpiresAt.Year() != 2030 {
		t.Errorf("token_expires_at not parsed: %v", creds.TokenExpiresAt)
	}

	// Ответ не содержит значений секретов
	if strings.Contains(w.Body.String(), `"at"`) || strings.Contains(w.Body.String(), `"rt"`) {
		t.Errorf("secret leaked into response: %s", w.Body.String())
	}
}

func TestConnectionHandler_TestCredentials(t *testing.T) {
	t.Run("неудачная проверка - 200 со статусом", func(t *testing.T) {
		handler, svc := newHandler()
		svc.SetTestResult(service.TestResult{
			OK: false, Status: models.StatusInvalidCredentials, Message: "The broker rejected the credentials",
		})

		w := serve(handler.TestCredentials, request{
			method: http.MethodPost, path: "/brokerage_connections/test", userID: testUser,
			body: `{"broker_id":1,"api_key":"bad"}`,
		})

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		var res service.TestResult
		if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if res.OK || res.Status != models.StatusInvalidCredentials || res.Message == "" {
			t.Errorf("unexpected result: %+v", res)
		}
	})

	t.Run("ничего не создает", func(t *testing.T) {
		handler, svc := newHandler()

		serve(handler.TestCredentials, request{
			method: http.MethodPost, path: "/brokerage_connections/test", userID: testUser,
			body: `{"broker_id":1,"api_key":"PK"}`,
		})

		if svc.Calls("CreateConnection") != 0 {
			t.Error("dry run must not create a connection")
		}
	})
}

func TestConnectionHandler_ByID(t *testing.T) {
	handler, svc := newHandler()
	own := svc.AddConnection(testUser, 1, models.StatusConnected)
	foreign := svc.AddConnection(testUser+1, 1, models.StatusConnected)

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		method     string
		id         int64
		body       string
		wantStatus int
	}{
		{"get свое", handler.GetConnection, http.MethodGet, own.ID, "", http.StatusOK},
		{"get чужое", handler.GetConnection, http.MethodGet, foreign.ID, "", http.StatusNotFound},
		{"test свое", handler.TestConnection, http.MethodPost, own.ID, "", http.StatusOK},
		{"test чужое", handler.TestConnection, http.MethodPost, foreign.ID, "", http.StatusNotFound},
		{"patch свое", handler.UpdateCredentials, http.MethodPatch, own.ID, `{"api_key":"new"}`, http.StatusOK},
		{"patch пустое тело", handler.UpdateCredentials, http.MethodPatch, own.ID, `{}`, http.StatusBadRequest},
		{"patch чужое", handler.UpdateCredentials, http.MethodPatch, foreign.ID, `{"api_key":"new"}`, http.StatusNotFound},
		{"disconnect чужое", handler.DisconnectConnection, http.MethodPost, foreign.ID, "", http.StatusNotFound},
		{"delete чужое", handler.DeleteConnection, http.MethodDelete, foreign.ID, "", http.StatusNotFound},
		{"несуществующее", handler.GetConnection, http.MethodGet, 999, "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(tt.handler, request{
				method: tt.method, path: "/brokerage_connections/" + strconv.FormatInt(tt.id, 10),
				id: tt.id, userID: testUser, body: tt.body,
			})
			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d (%s)", tt.wantStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestConnectionHandler_InvalidID(t *testing.T) {
	handler, _ := newHandler()

	r := httptest.NewRequest(http.MethodDelete, "/brokerage_connections/abc", nil)
	r = mux.SetURLVars(r, map[string]string{"id": "abc"})
	r = r.WithContext(middleware.WithUserID(r.Context(), testUser))
	w := httptest.NewRecorder()

	handler.DeleteConnection(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestConnectionHandler_DisconnectAndDelete(t *testing.T) {
	handler, svc := newHandler()
	conn := svc.AddConnection(testUser, 1, models.StatusConnected)
	path := "/brokerage_connections/" + strconv.FormatInt(conn.ID, 10)

	w := serve(handler.DisconnectConnection, request{method: http.MethodPost, path: path + "/disconnect", id: conn.ID, userID: testUser})
	if w.Code != http.StatusOK {
		t.Fatalf("disconnect: expected status %d, got %d", http.StatusOK, w.Code)
	}
	var view models.ConnectionView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if view.Status != models.StatusDisconnected {
		t.Errorf("expected disconnected, got %s", view.Status)
	}

	w = serve(handler.DeleteConnection, request{method: http.MethodDelete, path: path, id: conn.ID, userID: testUser})
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("204 must have empty body, got %q", w.Body.String())
	}

	w = serve(handler.DeleteConnection, request{method: http.MethodDelete, path: path, id: conn.ID, userID: testUser})
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandleServiceError_Decryption(t *testing.T) {
	handler, svc := newHandler()
	conn := svc.AddConnection(testUser, 1, models.StatusConnected)
	svc.SetError(service.ErrDecryption)

	w := serve(handler.TestConnection, request{method: http.MethodPost, path: "/brokerage_connections/1/test", id: conn.ID, userID: testUser})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "decryption_error" {
		t.Errorf("expected decryption_error, got %q", resp.Code)
	}
}
