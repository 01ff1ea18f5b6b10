package websocket

import (
	"strings"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"brokerage/internal/models"
	"brokerage/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// hubBufferSize - очередь сообщений на доставку
const hubBufferSize = 256

// envelope - сообщение для всех соединений одного пользователя
type envelope struct {
	userID int64
	data   []byte
}

// Hub управляет активными WebSocket соединениями
//
// Соединения сгруппированы по пользователю: изменения статуса подключения
// получает только его владелец. Медленные клиенты отключаются, чтобы не
// задерживать остальных.
//
// Использование:
// 1. Создать hub: hub := NewHub(origins, logger)
// 2. Запустить в горутине: go hub.Run()
// 3. Передать в сервис: connService.SetNotifier(hub)
type Hub struct {
	// Соединения по пользователю
	clients map[int64]map[*Client]struct{}

	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	// Mutex для потокобезопасного доступа к clients
	mu sync.RWMutex

	dropped atomic.Int64
	origins *OriginChecker
	logger  *utils.Logger
}

// NewHub создает новый Hub
func NewHub(allowedOrigins []string, logger *utils.Logger) *Hub {
	if logger == nil {
		logger = utils.L()
	}
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		broadcast:  make(chan envelope, hubBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		origins:    NewOriginChecker(allowedOrigins),
		logger:     logger.WithComponent("ws-hub"),
	}
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("Client connected",
				utils.UserID(client.userID),
				utils.Int("user_clients", h.UserClientCount(client.userID)),
				utils.Int("clients", h.ClientCount()),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("Client disconnected", utils.UserID(client.userID), utils.Int("clients", h.ClientCount()))

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-h.done:
			h.mu.Lock()
			for _, set := range h.clients {
				for client := range set {
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
			return
		}
	}
}

// deliver отправляет сообщение соединениям пользователя
//
// Список копируется под коротким RLock, отправка идет без блокировки,
// медленные клиенты удаляются под Write Lock.
func (h *Hub) deliver(msg envelope) {
	h.mu.RLock()
	set := h.clients[msg.userID]
	clients := make([]*Client, 0, len(set))
	for client := range set {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- msg.data:
		default:
			toRemove = append(toRemove, client)
		}
	}

	if len(toRemove) > 0 {
		h.mu.Lock()
		for _, client := range toRemove {
			h.removeLocked(client)
		}
		h.mu.Unlock()
		h.logger.Warn("Removed slow clients", utils.UserID(msg.userID), utils.Int("removed", len(toRemove)))
	}
}

func (h *Hub) removeLocked(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
}

// Stop останавливает Hub и закрывает все соединения
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// SendToUser ставит сообщение в очередь на доставку пользователю
//
// Не блокируется: при переполненной очереди сообщение отбрасывается.
func (h *Hub) SendToUser(userID int64, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal message", utils.Err(err))
		return
	}

	select {
	case h.broadcast <- envelope{userID: userID, data: data}:
	case <-h.done:
	default:
		h.dropped.Add(1)
		h.logger.Warn("Message queue is full, message dropped", utils.UserID(userID))
	}
}

// NotifyConnectionStatus отправляет владельцу текущее состояние подключения
func (h *Hub) NotifyConnectionStatus(userID int64, view *models.ConnectionView) {
	h.SendToUser(userID, NewConnectionStatusMessage(view))
}

// NotifyConnectionDeleted сообщает владельцу об удалении подключения
func (h *Hub) NotifyConnectionDeleted(userID int64, connectionID int64) {
	h.SendToUser(userID, NewConnectionDeletedMessage(connectionID))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// UserClientCount возвращает количество соединений пользователя
func (h *Hub) UserClientCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// DroppedMessages возвращает количество отброшенных сообщений
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}

// OriginChecker проверяет Origin с O(1) lookup через map
// Потокобезопасен для чтения после инициализации
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// NewOriginChecker создает проверку по списку origins; пустой список или "*" разрешает все
func NewOriginChecker(origins []string) *OriginChecker {
	checker := &OriginChecker{allowedOrigins: make(map[string]struct{})}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			checker.allowAll = true
		}
		if origin != "" {
			checker.allowedOrigins[origin] = struct{}{}
		}
	}
	if len(checker.allowedOrigins) == 0 {
		checker.allowAll = true
	}
	return checker
}

// Check проверяет origin за O(1)
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // Non-browser clients (curl, API tools)
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}
