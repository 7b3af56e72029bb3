// Package sqlite implements the local durable store and change queue on
// SQLite. Records, queue entries and tombstones live in one database file so
// a save and its queue entry commit together.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// DatabaseFile is the name of the database inside the data directory.
const DatabaseFile = "fieldsync.db"

const pageSize = 4096

// Backend implements types.LocalStore using SQLite.
type Backend struct {
	mu            sync.RWMutex
	attached      bool
	config        types.Config
	db            *sql.DB
	path          string
	schemaVersion int

	now func() time.Time
}

var _ types.LocalStore = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithClock replaces the wall clock used for LocalUpdatedAt and EnqueuedAt.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// NewBackend creates a new SQLite backend instance.
// The backend is not attached; call Attach with a Config to initialize.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach opens (or creates) the database in config.DataDir and brings its
// schema up to date. A failed migration leaves the backend detached and
// returns an error wrapping types.ErrMigrationFailure.
// Returns ErrAlreadyAttached if already attached.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, DatabaseFile)
	db, err := sql.Open("sqlite", dsn(path, config.QuotaBytes))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers and keeps per-connection pragmas
	// such as max_page_count in force.
	db.SetMaxOpenConns(1)

	version, err := migrate(db, migrations)
	if err != nil {
		db.Close()
		return err
	}

	// Claims do not survive a restart; the entry is retried.
	if version >= claimsVersion {
		if _, err := db.Exec("UPDATE queue_entries SET in_flight = 0 WHERE in_flight = 1"); err != nil {
			db.Close()
			return fmt.Errorf("releasing stale claims: %w", err)
		}
	}

	b.db = db
	b.path = path
	b.config = config
	b.schemaVersion = version
	b.attached = true
	return nil
}

// Detach closes the database. After Detach, all operations return
// ErrStoreDetached. Detach is idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}
	b.attached = false
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		if err != nil {
			return fmt.Errorf("closing database: %w", err)
		}
	}
	return nil
}

// Path returns the database file path of an attached backend.
func (b *Backend) Path() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.path
}

// SchemaVersion returns the schema version the database was migrated to.
func (b *Backend) SchemaVersion() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.schemaVersion
}

// maxAttempts returns the attempt budget of a queue entry.
// The caller must hold b.mu.
func (b *Backend) maxAttempts() int {
	return b.config.Sync.MaxAttempts
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction. Errors roll back and storage exhaustion
// is reported as types.ErrStorageQuotaExceeded.
func (b *Backend) withTx(fn func(tx *sql.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return types.ErrStoreDetached
	}
	tx, err := b.db.Begin()
	if err != nil {
		return mapStorageError(fmt.Errorf("beginning transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return mapStorageError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapStorageError(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// withDB runs a read-only fn against the database.
func (b *Backend) withDB(fn func(q querier) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return types.ErrStoreDetached
	}
	return fn(b.db)
}

// dsn builds the driver connection string. A quota becomes max_page_count so
// SQLite itself refuses to grow the file past it.
func dsn(path string, quotaBytes int64) string {
	pragmas := []string{"_pragma=busy_timeout(5000)", "_pragma=foreign_keys(1)"}
	if quotaBytes > 0 {
		pages := quotaBytes / pageSize
		if pages < 1 {
			pages = 1
		}
		pragmas = append(pragmas, fmt.Sprintf("_pragma=max_page_count(%d)", pages))
	}
	return path + "?" + strings.Join(pragmas, "&")
}

// mapStorageError rewrites SQLITE_FULL into types.ErrStorageQuotaExceeded.
func mapStorageError(err error) error {
	if err == nil || errors.Is(err, types.ErrStorageQuotaExceeded) {
		return err
	}
	if isStorageFull(err) {
		return fmt.Errorf("%w: %v", types.ErrStorageQuotaExceeded, err)
	}
	return err
}

func isStorageFull(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_FULL
	}
	return strings.Contains(err.Error(), "database or disk is full")
}

// generateUUID generates a new UUID v7 for record and queue entry ids.
func generateUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
