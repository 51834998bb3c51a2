package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var accountsBucket = []byte("accounts")

// BoltStorage keeps accounts in a local bbolt file
type BoltStorage struct {
	db *bolt.DB
}

func NewBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(accountsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStorage{db: db}, nil
}

func boltKey(userID int64) []byte {
	return []byte(strconv.FormatInt(userID, 10))
}

func (b *BoltStorage) Get(ctx context.Context, userID int64) (*Account, error) {
	var acc *Account
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(accountsBucket).Get(boltKey(userID))
		if v == nil {
			return nil
		}
		acc = &Account{}
		return json.Unmarshal(v, acc)
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (b *BoltStorage) Update(ctx context.Context, userID int64, seed func() *Account, fn func(acc *Account) error) (*Account, error) {
	var result Account
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(accountsBucket)
		key := boltKey(userID)

		if v := bucket.Get(key); v != nil {
			if err := json.Unmarshal(v, &result); err != nil {
				return err
			}
		} else {
			result = *seed()
		}

		if err := fn(&result); err != nil {
			return err
		}
		enc, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return bucket.Put(key, enc)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (b *BoltStorage) Close() error {
	return b.db.Close()
}
