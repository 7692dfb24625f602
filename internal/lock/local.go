package lock

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	token     string
	expiresAt time.Time
}

// localLeaser reproduz a semântica de SET NX PX em memória, para um único processo
type localLeaser struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewLocalGateway cria um Gateway em processo; útil em testes e deploy de instância única
func NewLocalGateway(opts Options) Gateway {
	return &leaseGateway{
		backend: &localLeaser{leases: make(map[string]lease), now: time.Now},
		opts:    opts.withDefaults(),
	}
}

func (l *localLeaser) tryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[key] = lease{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *localLeaser) release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[key]; ok && cur.token == token {
		delete(l.leases, key)
	}
	return nil
}
