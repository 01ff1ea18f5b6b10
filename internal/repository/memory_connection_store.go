package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"brokerage/internal/models"
)

// MemoryConnectionStore - хранилище подключений в памяти (DB_DRIVER=memory)
//
// Повторяет контракт ConnectionRepository: уникальность (user_id, broker_id),
// проверку версии при обновлении, возврат копий записей.
type MemoryConnectionStore struct {
	mu     sync.RWMutex
	byID   map[int64]*models.BrokerageConnection
	nextID int64
	now    func() time.Time
}

// NewMemoryConnectionStore создает пустое хранилище
func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{
		byID:   make(map[int64]*models.BrokerageConnection),
		nextID: 1,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Save вставляет или обновляет запись
func (s *MemoryConnectionStore) Save(ctx context.Context, conn *models.BrokerageConnection) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if conn.ID == 0 {
		for _, existing := range s.byID {
			if existing.UserID == conn.UserID && existing.BrokerID == conn.BrokerID {
				return ErrConnectionExists
			}
		}

		conn.ID = s.nextID
		s.nextID++
		conn.Version = 1
		conn.CreatedAt = now
		conn.UpdatedAt = now
		s.byID[conn.ID] = copyConnection(conn)
		return nil
	}

	stored, ok := s.byID[conn.ID]
	if !ok {
		return ErrConnectionNotFound
	}
	if stored.Version != conn.Version {
		return ErrVersionConflict
	}

	conn.Version++
	conn.UpdatedAt = now
	conn.CreatedAt = stored.CreatedAt
	s.byID[conn.ID] = copyConnection(conn)
	return nil
}

// Find возвращает копию подключения по ID
func (s *MemoryConnectionStore) Find(ctx context.Context, id int64) (*models.BrokerageConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.byID[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return copyConnection(conn), nil
}

// FindActive возвращает подключение пользователя к брокеру
func (s *MemoryConnectionStore) FindActive(ctx context.Context, userID int64, brokerID int) (*models.BrokerageConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, conn := range s.byID {
		if conn.UserID == userID && conn.BrokerID == brokerID {
			return copyConnection(conn), nil
		}
	}
	return nil, ErrConnectionNotFound
}

// FindByUser возвращает подключения пользователя в порядке создания
func (s *MemoryConnectionStore) FindByUser(ctx context.Context, userID int64) ([]*models.BrokerageConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var conns []*models.BrokerageConnection
	for _, conn := range s.byID {
		if conn.UserID == userID {
			conns = append(conns, copyConnection(conn))
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns, nil
}

// Delete удаляет подключение
func (s *MemoryConnectionStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrConnectionNotFound
	}
	delete(s.byID, id)
	return nil
}

func copyConnection(conn *models.BrokerageConnection) *models.BrokerageConnection {
	c := *conn
	if conn.TokenExpiresAt != nil {
		t := *conn.TokenExpiresAt
		c.TokenExpiresAt = &t
	}
	if conn.LastConnected != nil {
		t := *conn.LastConnected
		c.LastConnected = &t
	}
	return &c
}
