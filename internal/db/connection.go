package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

type Config struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
}

// DSN renders the go-sql-driver connection string.
func (c Config) DSN() string {
	cfg := gomysql.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.MultiStatements = true
	cfg.InterpolateParams = true
	return cfg.FormatDSN()
}

type DB struct {
	*sql.DB
	cfg    Config
	mu     sync.RWMutex
	health bool
	stop   chan struct{}
}

// Open connects to MySQL, retrying with a linear backoff.
func Open(cfg Config) (*DB, error) {
	var db *sql.DB
	var err error

	for i := 0; i <= cfg.RetryAttempts; i++ {
		db, err = sql.Open("mysql", cfg.DSN())
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
			db.Close()
		}

		if i < cfg.RetryAttempts {
			logger.WithField("attempt", i+1).WithError(err).Warn("Database connection failed, retrying...")
			time.Sleep(cfg.RetryDelay * time.Duration(i+1))
		}
	}

	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStorage, "failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	wrapper := &DB{
		DB:     db,
		cfg:    cfg,
		health: true,
		stop:   make(chan struct{}),
	}

	go wrapper.healthCheck()

	logger.WithField("database", cfg.Database).Info("Database connection established")
	return wrapper, nil
}

func (db *DB) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-db.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := db.PingContext(ctx)
		cancel()

		db.mu.Lock()
		oldHealth := db.health
		db.health = err == nil
		db.mu.Unlock()

		if oldHealth != db.health {
			if db.health {
				logger.Info("Database connection recovered")
			} else {
				logger.WithError(err).Error("Database connection lost")
			}
		}
	}
}

func (db *DB) IsHealthy() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.health
}

func (db *DB) Close() error {
	close(db.stop)
	return db.DB.Close()
}

// withRetry runs fn again after transient driver errors.
func (db *DB) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= db.cfg.RetryAttempts; i++ {
		err = fn()
		if err == nil || !isRetryableError(err) {
			return err
		}

		if i < db.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(db.cfg.RetryDelay * time.Duration(i+1)):
				logger.WithField("attempt", i+1).WithError(err).Warn("Query failed, retrying...")
			}
		}
	}
	return err
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadlock",
		"try restarting transaction",
	}

	for _, e := range retryableErrors {
		if strings.Contains(errStr, e) {
			return true
		}
	}

	return false
}

// StmtCache keeps prepared statements for the lifetime of the connection.
type StmtCache struct {
	mu    sync.RWMutex
	stmts map[string]*sql.Stmt
	db    *sql.DB
}

func NewStmtCache(db *sql.DB) *StmtCache {
	return &StmtCache{
		stmts: make(map[string]*sql.Stmt),
		db:    db,
	}
}

func (c *StmtCache) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	c.mu.RLock()
	stmt, exists := c.stmts[query]
	c.mu.RUnlock()

	if exists {
		return stmt, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check
	if stmt, exists := c.stmts[query]; exists {
		return stmt, nil
	}

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	c.stmts[query] = stmt
	return stmt, nil
}

func (c *StmtCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range c.stmts {
		stmt.Close()
	}

	c.stmts = make(map[string]*sql.Stmt)
}
