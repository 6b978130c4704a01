// Package postgres provides the relational client backing the outbox and
// inbox repositories: a primary/replica resolver plus schema migrations run
// against the primary on connect.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/internal/nilcheck"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrNotConnected = errors.New("postgres client is not connected")

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Client is a hub which deals with postgres connections. Reads may be served
// by the replica; writes and transactions always hit the primary.
type Client struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	DatabaseName            string
	MigrationsPath          string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	mu           sync.RWMutex
	connectionDB dbresolver.DB
	primaryDB    *sql.DB
	connected    bool
}

func (client *Client) initDefaults() {
	if nilcheck.Interface(client.Logger) {
		client.Logger = log.NewNop()
	}

	if client.MaxOpenConnections <= 0 {
		client.MaxOpenConnections = defaultMaxOpenConns
	}

	if client.MaxIdleConnections <= 0 {
		client.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens primary and replica pools, runs pending migrations on the
// primary, and verifies connectivity.
func (client *Client) Connect(ctx context.Context) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.connectLocked(ctx)
}

func (client *Client) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	client.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if client.connectionDB != nil {
		if err := client.closeLocked(); err != nil {
			client.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect",
				log.String("error", sanitizeSensitiveError(err)))
		}
	}

	client.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	dbPrimary, err := sql.Open("pgx", client.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("failed to connect to primary database: %s", sanitizeSensitiveError(err))
	}

	var success bool

	defer func() {
		if !success {
			dbPrimary.Close()
		}
	}()

	tunePool(dbPrimary, client.MaxOpenConnections, client.MaxIdleConnections)

	replicaConnString := client.ConnectionStringReplica
	if strings.TrimSpace(replicaConnString) == "" {
		replicaConnString = client.ConnectionStringPrimary
	}

	dbReplica, err := sql.Open("pgx", replicaConnString)
	if err != nil {
		return fmt.Errorf("failed to connect to replica database: %s", sanitizeSensitiveError(err))
	}

	defer func() {
		if !success {
			dbReplica.Close()
		}
	}()

	tunePool(dbReplica, client.MaxOpenConnections, client.MaxIdleConnections)

	connectionDB, err := newResolver(dbPrimary, dbReplica)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if client.MigrationsPath != "" {
		migrationsPath, pathErr := sanitizePath(client.MigrationsPath)
		if pathErr != nil {
			return pathErr
		}

		if err := runMigrations(ctx, dbPrimary, migrationsPath, client.DatabaseName, client.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	client.connected = true
	client.connectionDB = connectionDB
	client.primaryDB = dbPrimary

	client.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the resolver, connecting lazily on first use.
func (client *Client) GetDB(ctx context.Context) (dbresolver.DB, error) {
	client.mu.RLock()

	if client.connectionDB != nil {
		db := client.connectionDB
		client.mu.RUnlock()

		return db, nil
	}

	client.mu.RUnlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if client.connectionDB != nil {
		return client.connectionDB, nil
	}

	if err := client.connectLocked(ctx); err != nil {
		return nil, err
	}

	return client.connectionDB, nil
}

// PrimaryDB returns the primary pool for callers that must open their own
// transactions on the write side.
func (client *Client) PrimaryDB(ctx context.Context) (*sql.DB, error) {
	if _, err := client.GetDB(ctx); err != nil {
		return nil, err
	}

	client.mu.RLock()
	defer client.mu.RUnlock()

	if client.primaryDB == nil {
		return nil, ErrNotConnected
	}

	return client.primaryDB, nil
}

// Close releases database connection resources.
func (client *Client) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.closeLocked()
}

func (client *Client) closeLocked() error {
	if client.connectionDB != nil {
		err := client.connectionDB.Close()
		client.connectionDB = nil
		client.primaryDB = nil
		client.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the resolver is initialized.
func (client *Client) IsConnected() bool {
	client.mu.RLock()
	defer client.mu.RUnlock()

	return client.connected
}

func tunePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func newResolver(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("failed to create resolver: %v", recovered)
		}
	}()

	connectionDB := dbresolver.New(
		dbresolver.WithPrimaryDBs(primaryDB),
		dbresolver.WithReplicaDBs(replicaDB),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if connectionDB == nil {
		return nil, errors.New("resolver returned nil connection")
	}

	return connectionDB, nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

// sanitizePath rejects traversal segments to keep the migrations source
// inside the configured tree (CWE-22).
func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(ctx context.Context, dbPrimary *sql.DB, migrationsPath, dbName string, logger log.Logger) error {
	if err := validateDBName(dbName); err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := postgres.WithInstance(dbPrimary, &postgres.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(sourceURL.String(), dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
