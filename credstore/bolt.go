package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	tokensBucket = []byte("tokens")
	ownersBucket = []byte("owners")
)

// Bolt keeps records in a bbolt file: tokens maps token -> JSON record,
// owners maps owner -> token.
type Bolt struct {
	db   *bolt.DB
	opts Options
}

var _ Store = (*Bolt)(nil)

func NewBolt(path string, opts Options) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir store path: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{tokensBucket, ownersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Bolt{db: db, opts: opts}, nil
}

func (b *Bolt) Put(_ context.Context, r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(tokensBucket)
		owners := tx.Bucket(ownersBucket)

		previous := string(owners.Get([]byte(r.OwnerID)))
		if err := tokens.Put([]byte(r.Token), data); err != nil {
			return err
		}
		if err := owners.Put([]byte(r.OwnerID), []byte(r.Token)); err != nil {
			return err
		}
		if b.opts.RevokeSuperseded && previous != "" && previous != r.Token {
			return tokens.Delete([]byte(previous))
		}
		return nil
	})
}

func getRecord(tx *bolt.Tx, token []byte) (Record, error) {
	data := tx.Bucket(tokensBucket).Get(token)
	if len(data) == 0 {
		return Record{}, ErrNotFound
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

func (b *Bolt) GetByToken(_ context.Context, token string) (Record, error) {
	var r Record
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		r, err = getRecord(tx, []byte(token))
		return err
	})
	if err != nil {
		return Record{}, err
	}
	if b.opts.expired(r, time.Now()) {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (b *Bolt) GetByOwner(_ context.Context, owner string) (Record, error) {
	var r Record
	err := b.db.View(func(tx *bolt.Tx) error {
		token := tx.Bucket(ownersBucket).Get([]byte(owner))
		if len(token) == 0 {
			return ErrNotFound
		}
		var err error
		r, err = getRecord(tx, token)
		return err
	})
	return r, err
}

func (b *Bolt) List(_ context.Context) ([]Record, error) {
	var out []Record
	err := b.db.View(func(tx *bolt.Tx) error {
		// bbolt iterates keys in byte order, so owners come out sorted.
		c := tx.Bucket(ownersBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			r, err := getRecord(tx, v)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
