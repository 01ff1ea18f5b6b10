package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brokerage/internal/api/handlers"
	"brokerage/internal/api/middleware"
	"brokerage/internal/service"
	"brokerage/internal/websocket"
	"brokerage/pkg/ratelimit"
	"brokerage/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	ConnectionService service.ConnectionServiceInterface
	Hub               *websocket.Hub
	JWTSecret         string
	AllowedOrigins    []string
	ProbeLimiter      *ratelimit.KeyedLimiter // nil = без ограничения
	HealthCheck       func(ctx context.Context) error
	Logger            *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
//	├── GET  /health - проверка живости (без auth)
//	├── GET  /metrics - Prometheus (без auth)
//	├── GET  /brokers - справочник брокеров
//	├── /brokerage_connections
//	│   ├── GET / - подключения пользователя
//	│   ├── POST / - добавить и проверить (rate limit)
//	│   ├── POST /test - проверка без сохранения (rate limit)
//	│   ├── GET /{id} - одно подключение
//	│   ├── PATCH /{id} - заменить учетные данные (rate limit)
//	│   ├── DELETE /{id} - удалить
//	│   ├── POST /{id}/test - перепроверить (rate limit)
//	│   └── POST /{id}/disconnect - отключить
//	└── GET  /ws/stream - WebSocket поток статусов
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. Auth (все, кроме /health и /metrics)
// 4. RateLimit (только endpoints с обращением к брокеру)
//
// CORS оборачивает роутер целиком в Handler, чтобы preflight OPTIONS
// обрабатывался до сопоставления маршрутов.
func SetupRoutes(deps *Dependencies) *mux.Router {
	logger := deps.Logger
	if logger == nil {
		logger = utils.L()
	}

	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))

	// Служебные маршруты без аутентификации
	router.HandleFunc("/health", healthHandler(deps)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Защищенные маршруты
	api := router.NewRoute().Subrouter()
	api.Use(middleware.Auth(deps.JWTSecret, logger))

	probeLimited := func(h http.HandlerFunc) http.Handler {
		if deps.ProbeLimiter == nil {
			return h
		}
		return middleware.RateLimit(deps.ProbeLimiter, logger)(h)
	}

	if deps.ConnectionService != nil {
		brokerHandler := handlers.NewBrokerHandler(deps.ConnectionService)
		connHandler := handlers.NewConnectionHandler(deps.ConnectionService, logger)

		api.HandleFunc("/brokers", brokerHandler.GetBrokers).Methods(http.MethodGet)

		api.HandleFunc("/brokerage_connections", connHandler.GetConnections).Methods(http.MethodGet)
		api.Handle("/brokerage_connections", probeLimited(connHandler.CreateConnection)).Methods(http.MethodPost)
		api.Handle("/brokerage_connections/test", probeLimited(connHandler.TestCredentials)).Methods(http.MethodPost)
		api.HandleFunc("/brokerage_connections/{id:[0-9]+}", connHandler.GetConnection).Methods(http.MethodGet)
		api.Handle("/brokerage_connections/{id:[0-9]+}", probeLimited(connHandler.UpdateCredentials)).Methods(http.MethodPatch)
		api.HandleFunc("/brokerage_connections/{id:[0-9]+}", connHandler.DeleteConnection).Methods(http.MethodDelete)
		api.Handle("/brokerage_connections/{id:[0-9]+}/test", probeLimited(connHandler.TestConnection)).Methods(http.MethodPost)
		api.HandleFunc("/brokerage_connections/{id:[0-9]+}/disconnect", connHandler.DisconnectConnection).Methods(http.MethodPost)
	}

	if deps.Hub != nil {
		streamHandler := handlers.NewStreamHandler(deps.Hub)
		api.HandleFunc("/ws/stream", streamHandler.ServeWS).Methods(http.MethodGet)
	}

	return router
}

// Handler возвращает роутер, обернутый в CORS
func Handler(deps *Dependencies) http.Handler {
	return middleware.CORS(deps.AllowedOrigins)(SetupRoutes(deps))
}

type healthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database,omitempty"`
	WSClients int    `json:"ws_clients"`
	WSDropped int64  `json:"ws_dropped_messages"`
}

// healthHandler - 200 если хранилище доступно, иначе 503
func healthHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		code := http.StatusOK

		if deps.HealthCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.HealthCheck(ctx); err != nil {
				resp.Status = "degraded"
				resp.Database = "unavailable"
				code = http.StatusServiceUnavailable
			} else {
				resp.Database = "ok"
			}
		}
		if deps.Hub != nil {
			resp.WSClients = deps.Hub.ClientCount()
			resp.WSDropped = deps.Hub.DroppedMessages()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
