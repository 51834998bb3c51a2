package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrInsufficientCredit is returned when a debit would pass the overdraft
var ErrInsufficientCredit = errors.New("insufficient credit")

// Account tracks what a user spent on image generation. Amounts are
// millicents.
type Account struct {
	UserID    int64       `json:"user_id"`
	User      string      `json:"user"`
	Images    int64       `json:"images"`
	Credit    models.Cost `json:"credit"`
	TotalCost models.Cost `json:"total_cost"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Overdrafted reports whether the account spent more than its credit
func (a *Account) Overdrafted() bool {
	return a.Credit < 0
}

// Storage persists accounts. Update runs fn against the current account
// (a fresh one seeded by the caller when missing) and stores the result
// atomically; returning an error from fn aborts without writing.
type Storage interface {
	Get(ctx context.Context, userID int64) (*Account, error)
	Update(ctx context.Context, userID int64, seed func() *Account, fn func(acc *Account) error) (*Account, error)
	Close() error
}

// Ledger debits image generation against per user credit
type Ledger struct {
	storage Storage
	cfg     config.LedgerConfig
	logger  *logrus.Logger
	now     func() time.Time
}

// New creates a ledger on the configured backend
func New(cfg *config.LedgerConfig, logger *logrus.Logger) (*Ledger, error) {
	var storage Storage
	var err error

	switch cfg.Type {
	case "redis":
		storage, err = NewRedisStorage(cfg, logger)
	case "bolt":
		storage, err = NewBoltStorage(cfg.Bolt.Path)
	case "memory", "":
		storage = NewMemoryStorage()
	default:
		return nil, fmt.Errorf("unsupported ledger type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"type":    cfg.Type,
		"enabled": cfg.Enabled,
	}).Info("Ledger initialized")
	return NewWithStorage(storage, cfg, logger), nil
}

// NewWithStorage creates a ledger over an existing backend
func NewWithStorage(storage Storage, cfg *config.LedgerConfig, logger *logrus.Logger) *Ledger {
	return &Ledger{
		storage: storage,
		cfg:     *cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Enabled reports whether requests are accounted at all
func (l *Ledger) Enabled() bool {
	return l.cfg.Enabled
}

func (l *Ledger) seed(userID int64, user string) func() *Account {
	return func() *Account {
		return &Account{
			UserID: userID,
			User:   user,
			Credit: models.Cost(l.cfg.InitialCredit),
		}
	}
}

// Debit charges cost for images to the user. It returns
// ErrInsufficientCredit, charging nothing, when the remaining credit would
// fall below the allowed overdraft.
func (l *Ledger) Debit(ctx context.Context, userID int64, user string, cost models.Cost, images int) (*Account, error) {
	if !l.cfg.Enabled {
		return nil, nil
	}

	floor := -models.Cost(l.cfg.Overdraft)
	acc, err := l.storage.Update(ctx, userID, l.seed(userID, user), func(acc *Account) error {
		if acc.Credit-cost < floor {
			return ErrInsufficientCredit
		}
		if user != "" {
			acc.User = user
		}
		acc.Credit -= cost
		acc.TotalCost += cost
		acc.Images += int64(images)
		acc.UpdatedAt = l.now()
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInsufficientCredit) {
			err = fmt.Errorf("failed to debit account %d: %w", userID, err)
		}
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"cost":    int64(cost),
		"credit":  int64(acc.Credit),
	}).Debug("Account debited")
	return acc, nil
}

// Refund gives back the cost of images that were paid for but not produced
func (l *Ledger) Refund(ctx context.Context, userID int64, cost models.Cost, images int) error {
	if !l.cfg.Enabled || cost <= 0 {
		return nil
	}

	_, err := l.storage.Update(ctx, userID, l.seed(userID, ""), func(acc *Account) error {
		acc.Credit += cost
		acc.TotalCost -= cost
		acc.Images -= int64(images)
		if acc.Images < 0 {
			acc.Images = 0
		}
		acc.UpdatedAt = l.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refund account %d: %w", userID, err)
	}
	return nil
}

// Account returns the user's account, seeded when it was never used
func (l *Ledger) Account(ctx context.Context, userID int64, user string) (*Account, error) {
	acc, err := l.storage.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %d: %w", userID, err)
	}
	if acc == nil {
		acc = l.seed(userID, user)()
	}
	return acc, nil
}

// Close releases the backend
func (l *Ledger) Close() error {
	return l.storage.Close()
}
