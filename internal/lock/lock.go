package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockTimeout возвращается, если блокировку не удалось получить до отмены контекста
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Unlock освобождает полученную блокировку, повторный вызов безопасен
type Unlock func()

// Locker сериализует операции по строковому ключу
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// KeyedMutex - блокировки по ключу внутри одного процесса
//
// Для каждого ключа хранится семафор с подсчетом ожидающих; запись
// удаляется, когда ключ никем не используется.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex создает KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock ждет освобождения ключа или отмены контекста
func (k *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, errors.Join(ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len возвращает количество ключей, которые сейчас удерживаются или ожидаются
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
