package db

import (
	"context"
	"database/sql"

	"github.com/hamzaKhattat/softphone-core/pkg/errors"
)

const (
	queryGet    = "SELECT v FROM kv_store WHERE k = ?"
	querySet    = "INSERT INTO kv_store (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)"
	queryDelete = "DELETE FROM kv_store WHERE k = ?"
)

// MySQLStore keeps values in the kv_store table created by the migrations.
type MySQLStore struct {
	db    *DB
	stmts *StmtCache
}

func NewMySQLStore(db *DB) *MySQLStore {
	return &MySQLStore{db: db, stmts: NewStmtCache(db.DB)}
}

func (s *MySQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.withRetry(ctx, func() error {
		stmt, err := s.stmts.Prepare(ctx, queryGet)
		if err != nil {
			return err
		}
		return stmt.QueryRowContext(ctx, key).Scan(&v)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStorage, "mysql get failed").WithContext("key", key)
	}
	return v, nil
}

func (s *MySQLStore) Set(ctx context.Context, key string, value []byte) error {
	err := s.db.withRetry(ctx, func() error {
		stmt, err := s.stmts.Prepare(ctx, querySet)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, key, value)
		return err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrStorage, "mysql set failed").WithContext("key", key)
	}
	return nil
}

func (s *MySQLStore) Delete(ctx context.Context, key string) error {
	err := s.db.withRetry(ctx, func() error {
		stmt, err := s.stmts.Prepare(ctx, queryDelete)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, key)
		return err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrStorage, "mysql delete failed").WithContext("key", key)
	}
	return nil
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *MySQLStore) Close() error {
	s.stmts.Close()
	return s.db.Close()
}
