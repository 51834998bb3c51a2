package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"
)

// MemoryStorage keeps accounts in process memory
type MemoryStorage struct {
	mu       sync.Mutex
	accounts *cache.Cache
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		accounts: cache.New(cache.NoExpiration, 0),
	}
}

func accountKey(userID int64) string {
	return fmt.Sprintf("account:%d", userID)
}

func (m *MemoryStorage) Get(ctx context.Context, userID int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if val, found := m.accounts.Get(accountKey(userID)); found {
		acc := val.(Account)
		return &acc, nil
	}
	return nil, nil
}

func (m *MemoryStorage) Update(ctx context.Context, userID int64, seed func() *Account, fn func(acc *Account) error) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := accountKey(userID)
	var acc Account
	if val, found := m.accounts.Get(key); found {
		acc = val.(Account)
	} else {
		acc = *seed()
	}
	if err := fn(&acc); err != nil {
		return nil, err
	}
	m.accounts.Set(key, acc, cache.NoExpiration)
	return &acc, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
