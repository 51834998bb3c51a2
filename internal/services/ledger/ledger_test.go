package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/hypnos-tgbot-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerConfig() *config.LedgerConfig {
	return &config.LedgerConfig{
		Enabled:       true,
		Type:          "memory",
		InitialCredit: int64(models.Cents(20)),
		Overdraft:     int64(models.Cents(4)),
	}
}

func backends(t *testing.T) map[string]Storage {
	bolt, err := NewBoltStorage(filepath.Join(t.TempDir(), "ledger", "accounts.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"bolt":   bolt,
	}
}

func TestAccountOverdrafted(t *testing.T) {
	assert.True(t, (&Account{Credit: -1}).Overdrafted())
	assert.False(t, (&Account{Credit: 1000}).Overdrafted())
	assert.False(t, (&Account{}).Overdrafted())
}

func TestDebitAndOverdraft(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := NewWithStorage(storage, ledgerConfig(), logger.Discard())
			ctx := context.Background()

			acc, err := l.Debit(ctx, 7, "alice", models.Cents(16), 4)
			require.NoError(t, err)
			assert.Equal(t, models.Cents(4), acc.Credit)
			assert.Equal(t, models.Cents(16), acc.TotalCost)
			assert.Equal(t, int64(4), acc.Images)

			// 4 - 8 = -4 is still within the overdraft
			acc, err = l.Debit(ctx, 7, "alice", models.Cents(8), 1)
			require.NoError(t, err)
			assert.True(t, acc.Overdrafted())

			_, err = l.Debit(ctx, 7, "alice", models.Cents(4), 1)
			assert.ErrorIs(t, err, ErrInsufficientCredit)

			acc, err = l.Account(ctx, 7, "alice")
			require.NoError(t, err)
			assert.Equal(t, -models.Cents(4), acc.Credit)
			assert.Equal(t, int64(5), acc.Images)
			assert.Equal(t, "alice", acc.User)
		})
	}
}

func TestRefund(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := NewWithStorage(storage, ledgerConfig(), logger.Discard())
			ctx := context.Background()

			_, err := l.Debit(ctx, 1, "bob", models.Cents(16), 4)
			require.NoError(t, err)
			require.NoError(t, l.Refund(ctx, 1, models.Cents(8), 2))

			acc, err := l.Account(ctx, 1, "bob")
			require.NoError(t, err)
			assert.Equal(t, models.Cents(12), acc.Credit)
			assert.Equal(t, models.Cents(8), acc.TotalCost)
			assert.Equal(t, int64(2), acc.Images)
		})
	}
}

func TestAccountSeededWhenUnknown(t *testing.T) {
	l := NewWithStorage(NewMemoryStorage(), ledgerConfig(), logger.Discard())
	acc, err := l.Account(context.Background(), 99, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.Cents(20), acc.Credit)
	assert.Equal(t, "carol", acc.User)
}

func TestDisabledLedgerPermitsEverything(t *testing.T) {
	cfg := ledgerConfig()
	cfg.Enabled = false
	l := NewWithStorage(NewMemoryStorage(), cfg, logger.Discard())

	for i := 0; i < 10; i++ {
		_, err := l.Debit(context.Background(), 1, "dave", models.Cents(1000), 10)
		require.NoError(t, err)
	}
	assert.False(t, l.Enabled())
}

func TestConcurrentDebitsNeverPassOverdraft(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := NewWithStorage(storage, ledgerConfig(), logger.Discard())
			ctx := context.Background()

			var wg sync.WaitGroup
			var mu sync.Mutex
			granted := 0
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := l.Debit(ctx, 5, "erin", models.Cents(4), 1); err == nil {
						mu.Lock()
						granted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			// 20 cents of credit plus 4 of overdraft buys six 4 cent images
			assert.Equal(t, 6, granted)
			acc, err := l.Account(ctx, 5, "erin")
			require.NoError(t, err)
			assert.Equal(t, -models.Cents(4), acc.Credit)
		})
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	cfg := ledgerConfig()
	cfg.Type = "etcd"
	_, err := New(cfg, logger.Discard())
	assert.Error(t, err)
}
