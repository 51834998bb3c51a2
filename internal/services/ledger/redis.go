package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
)

const maxTxRetries = 10

// RedisStorage keeps accounts in redis, updated with optimistic transactions
type RedisStorage struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisStorage(cfg *config.LedgerConfig, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client: client,
		logger: logger,
	}, nil
}

func (r *RedisStorage) Get(ctx context.Context, userID int64) (*Account, error) {
	data, err := r.client.Get(ctx, accountKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var acc Account
	if err := json.Unmarshal([]byte(data), &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *RedisStorage) Update(ctx context.Context, userID int64, seed func() *Account, fn func(acc *Account) error) (*Account, error) {
	key := accountKey(userID)
	var result *Account

	txf := func(tx *redis.Tx) error {
		var acc Account
		data, err := tx.Get(ctx, key).Result()
		switch {
		case err == redis.Nil:
			acc = *seed()
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(data), &acc); err != nil {
				return err
			}
		}

		if err := fn(&acc); err != nil {
			return err
		}
		enc, err := json.Marshal(acc)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, enc, 0)
			return nil
		})
		if err == nil {
			result = &acc
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		r.logger.WithField("user_id", userID).Debug("Account changed concurrently, retrying")
	}
	return nil, fmt.Errorf("account %d: too much contention", userID)
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
