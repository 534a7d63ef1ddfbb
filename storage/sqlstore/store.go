package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/storage"
)

// Supported dialects
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	defaultPingTimeout = 5 * time.Second

	// sqliteBusyTimeoutMs is how long SQLite waits on a locked database
	sqliteBusyTimeoutMs = 5000
)

// Config holds configuration for the SQL storage backend.
type Config struct {
	// Dialect is DialectSQLite (default) or DialectMySQL
	Dialect string

	// DSN is the driver data source name. For SQLite a plain file path is
	// accepted and turned into a DSN with SQLiteDSN.
	DSN string

	// Pool settings; zero values keep the database/sql defaults
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// PingTimeout bounds the initial connectivity check (default 5s)
	PingTimeout time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedFamilyRetentionDays is how long revoked family metadata is
	// kept for reuse detection. Default: 90 days
	RevokedFamilyRetentionDays int64
}

// MySQLConfig describes a MySQL server connection.
type MySQLConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Name     string
}

// MySQLDSN builds a DSN for the go-sql-driver/mysql driver.
func MySQLDSN(cfg MySQLConfig) string {
	mysqlCfg := mysql.NewConfig()
	mysqlCfg.User = cfg.User
	mysqlCfg.Passwd = cfg.Password
	mysqlCfg.Net = "tcp"
	mysqlCfg.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mysqlCfg.DBName = cfg.Name
	mysqlCfg.ParseTime = true
	mysqlCfg.AllowNativePasswords = true
	mysqlCfg.Params = map[string]string{
		"charset": "utf8mb4",
	}
	return mysqlCfg.FormatDSN()
}

// SQLiteDSN turns a database file path into a modernc.org/sqlite DSN with
// a busy timeout and WAL journaling.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, sqliteBusyTimeoutMs)
}

// Store is a database/sql implementation of storage.Store.
type Store struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger

	mu                         sync.RWMutex
	encryptor                  *security.Encryptor
	revokedFamilyRetentionDays int64
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database, applies pending migrations and returns
// the store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect := cfg.Dialect
	if dialect == "" {
		dialect = DialectSQLite
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	dsn := cfg.DSN
	switch dialect {
	case DialectSQLite:
		if !hasScheme(dsn) {
			dsn = SQLiteDSN(dsn)
		}
	case DialectMySQL:
	default:
		return nil, fmt.Errorf("unsupported SQL dialect %q", dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	if err := runMigrations(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}

	// SQLite allows one writer; a single connection turns lock contention
	// into queueing instead of SQLITE_BUSY errors.
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := New(db, dialect, cfg.Logger)
	if cfg.RevokedFamilyRetentionDays > 0 {
		s.revokedFamilyRetentionDays = cfg.RevokedFamilyRetentionDays
	}
	s.logger.Info("Connected to SQL storage", "dialect", dialect)
	return s, nil
}

// New wraps an already migrated database.
func New(db *sql.DB, dialect string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:                         db,
		dialect:                    dialect,
		logger:                     logger,
		revokedFamilyRetentionDays: storage.DefaultRevokedFamilyRetentionDays,
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor enables encryption at rest for provider code verifiers
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for SQL storage")
	}
}

// SetRevokedFamilyRetentionDays sets how long revoked family metadata is kept.
func (s *Store) SetRevokedFamilyRetentionDays(days int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if days <= 0 {
		days = storage.DefaultRevokedFamilyRetentionDays
	}
	s.revokedFamilyRetentionDays = days
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor
}

func (s *Store) revokedRetention() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.revokedFamilyRetentionDays) * 24 * time.Hour
}

// insertIgnore is the dialect's INSERT that skips rows violating a
// primary key instead of failing.
func (s *Store) insertIgnore() string {
	if s.dialect == DialectMySQL {
		return "INSERT IGNORE"
	}
	return "INSERT OR IGNORE"
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure in either dialect.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}
	return false
}

// isUnavailable reports whether err means the database could not be
// reached or was too busy to answer, as opposed to a rejected statement.
func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// wrapError annotates a database failure, marking outages with
// storage.ErrStoreUnavailable.
func wrapError(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("failed to %s: %w: %w", op, storage.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func hasScheme(dsn string) bool {
	return len(dsn) >= 5 && dsn[:5] == "file:"
}

// unixTime converts a stored Unix timestamp; 0 is the zero time.
func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// unixSeconds is the inverse of unixTime.
func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
