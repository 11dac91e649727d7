// Package credstore persists session tokens and the terminal credentials
// each one was issued for.
//
// Every successful login writes two things: the token's own credential
// snapshot, and the owner's current binding (owner -> token). A later login
// by the same owner moves the binding. The previous token keeps resolving
// to its snapshot unless the store was opened with RevokeSuperseded.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/mtgate/terminal"
)

// ErrNotFound is returned for unknown or expired tokens and unknown owners.
var ErrNotFound = errors.New("credstore: not found")

// Record binds a token to the credentials it was issued for.
type Record struct {
	Token     string    `json:"token"`
	OwnerID   string    `json:"owner_id"`
	AccountID string    `json:"account_id"`
	Password  string    `json:"password"`
	Server    string    `json:"server"`
	CreatedAt time.Time `json:"created_at"`
}

// Credentials returns the login triple of the record.
func (r Record) Credentials() terminal.Credentials {
	return terminal.Credentials{AccountID: r.AccountID, Password: r.Password, Server: r.Server}
}

func (r Record) validate() error {
	if r.Token == "" {
		return fmt.Errorf("credstore: record has no token")
	}
	if r.OwnerID == "" {
		return fmt.Errorf("credstore: record has no owner")
	}
	return nil
}

type Store interface {
	// Put stores r under its token and makes it the owner's current
	// binding.
	Put(ctx context.Context, r Record) error
	GetByToken(ctx context.Context, token string) (Record, error)
	// GetByOwner returns the owner's current record.
	GetByOwner(ctx context.Context, owner string) (Record, error)
	// List returns every owner's current record, ordered by owner.
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Options tune token lifetime.
type Options struct {
	// RevokeSuperseded deletes an owner's previous token when it logs in
	// again.
	RevokeSuperseded bool
	// TTL expires tokens older than this. Zero never expires.
	TTL time.Duration
}

func (o Options) expired(r Record, now time.Time) bool {
	return o.TTL > 0 && now.Sub(r.CreatedAt) > o.TTL
}

// Drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Open opens the store at path with the named driver.
func Open(driver, path string, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite, "sqlite3":
		return NewSQLite(path, opts)
	case DriverBolt, "bbolt":
		return NewBolt(path, opts)
	default:
		return nil, fmt.Errorf("unknown store driver %q (want sqlite|bolt)", driver)
	}
}
