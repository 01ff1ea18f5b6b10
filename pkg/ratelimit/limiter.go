package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter - набор token bucket лимитеров, по одному на ключ (например, пользователя)
//
// Лимитеры, которые не использовались дольше idleTTL, удаляются при
// очередном обращении, так что память не растет с числом ключей.
//
// Использование:
//
//	limiter := NewKeyedLimiter(1, 5, 10*time.Minute) // 1 req/sec, burst 5
//	if !limiter.Allow(userKey) { ... 429 ... }
type KeyedLimiter struct {
	rps     rate.Limit
	burst   int
	idleTTL time.Duration

	mu          sync.Mutex
	limiters    map[string]*entry
	lastCleanup time.Time
	now         func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter создает лимитер
//
// rps <= 0 отключает ограничение, burst < 1 приводится к 1.
func NewKeyedLimiter(rps float64, burst int, idleTTL time.Duration) *KeyedLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}

	return &KeyedLimiter{
		rps:         limit,
		burst:       burst,
		idleTTL:     idleTTL,
		limiters:    make(map[string]*entry),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Allow - неблокирующая проверка, потребляет токен при успехе
func (k *KeyedLimiter) Allow(key string) bool {
	return k.get(key).AllowN(k.now(), 1)
}

// Len возвращает количество отслеживаемых ключей
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

func (k *KeyedLimiter) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if now.Sub(k.lastCleanup) >= k.idleTTL {
		k.cleanupLocked(now)
	}

	e, ok := k.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.rps, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// cleanupLocked удаляет неиспользуемые лимитеры, вызывается под lock'ом
func (k *KeyedLimiter) cleanupLocked(now time.Time) {
	for key, e := range k.limiters {
		if now.Sub(e.lastSeen) >= k.idleTTL {
			delete(k.limiters, key)
		}
	}
	k.lastCleanup = now
}
