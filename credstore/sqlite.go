package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db   *sql.DB
	opts Options
}

var _ Store = (*SQLite)(nil)

func NewSQLite(path string, opts Options) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// One writer keeps the owner rebinding atomic without retry loops.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db, opts: opts}, nil
}

func (s *SQLite) Put(ctx context.Context, r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT token FROM owners WHERE owner_id = ?`, r.OwnerID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup owner: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tokens
		(token, owner_id, account_id, password, server, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Token, r.OwnerID, r.AccountID, r.Password, r.Server, r.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO owners (owner_id, token) VALUES (?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET token = excluded.token`,
		r.OwnerID, r.Token,
	); err != nil {
		return fmt.Errorf("bind owner: %w", err)
	}

	if s.opts.RevokeSuperseded && previous != "" && previous != r.Token {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, previous); err != nil {
			return fmt.Errorf("revoke superseded token: %w", err)
		}
	}

	return tx.Commit()
}

const selectRecord = `SELECT token, owner_id, account_id, password, server, created_at FROM tokens`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		r       Record
		created int64
	)
	if err := row.Scan(&r.Token, &r.OwnerID, &r.AccountID, &r.Password, &r.Server, &created); err != nil {
		return Record{}, err
	}
	r.CreatedAt = time.Unix(0, created)
	return r, nil
}

func (s *SQLite) GetByToken(ctx context.Context, token string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if s.opts.expired(r, time.Now()) {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *SQLite) GetByOwner(ctx context.Context, owner string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		selectRecord+` WHERE token = (SELECT token FROM owners WHERE owner_id = ?)`, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.token, t.owner_id, t.account_id, t.password, t.server, t.created_at
		FROM owners o JOIN tokens t ON t.token = o.token
		ORDER BY o.owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
