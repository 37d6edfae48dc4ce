package coord

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

const (
	postgresKVTableName         = "tasksync_kv"
	postgresListTableName       = "tasksync_list"
	postgresMigrationsTableName = "tasksync_schema_migrations"
	postgresOperationTimeout    = 5 * time.Second
	postgresPurgeInterval       = time.Minute
)

//go:embed migrations/*.sql
var postgresMigrations embed.FS

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStore struct {
	dsn     string
	openDB  sqlOpenFunc
	migrate func(dsn string) error

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	purgeMu   sync.Mutex
	lastPurge time.Time
}

func NewPostgresStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:     dsn,
		openDB:  sql.Open,
		migrate: migratePostgres,
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.prepare(key); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT value FROM %s
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`, postgresQuoteIdentifier(postgresKVTableName))
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.prepare(key); err != nil {
		return err
	}
	s.maybePurge(ctx)
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at)
		VALUES ($1, $2, %s)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		postgresQuoteIdentifier(postgresKVTableName), postgresExpiryExpr("$3"))
	_, err := s.db.ExecContext(ctx, query, key, value, ttl.Milliseconds())
	return err
}

func (s *PostgresStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.prepare(key); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(postgresKVTableName)
	// An expired row counts as absent and is taken over in place.
	query := fmt.Sprintf(`
		INSERT INTO %s AS kv (key, value, expires_at)
		VALUES ($1, $2, %s)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= NOW()`,
		table, postgresExpiryExpr("$3"))
	result, err := s.db.ExecContext(ctx, query, key, value, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *PostgresStore) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	if err := s.prepare(key); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > NOW())`,
		postgresQuoteIdentifier(postgresKVTableName))
	result, err := s.db.ExecContext(ctx, query, key, value)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) ExpireIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.prepare(key); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET expires_at = %s
		WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > NOW())`,
		postgresQuoteIdentifier(postgresKVTableName), postgresExpiryExpr("$3"))
	result, err := s.db.ExecContext(ctx, query, key, value, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) RPush(ctx context.Context, key, value string) (int64, error) {
	if err := s.prepare(key); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(postgresListTableName)
	// The inserted row is not visible to the outer SELECT of the same statement.
	query := fmt.Sprintf(`
		WITH inserted AS (
			INSERT INTO %s (list_key, value, created_at) VALUES ($1, $2, NOW()) RETURNING id
		)
		SELECT (SELECT COUNT(*) FROM %s WHERE list_key = $1) + (SELECT COUNT(*) FROM inserted)`,
		table, table)
	var length int64
	if err := s.db.QueryRowContext(ctx, query, key, value).Scan(&length); err != nil {
		return 0, err
	}
	return length, nil
}

func (s *PostgresStore) LPop(ctx context.Context, key string) (string, bool, error) {
	if err := s.prepare(key); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(postgresListTableName)
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE id = (
			SELECT id FROM %s
			WHERE list_key = $1
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING value`, table, table)
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PostgresStore) LLen(ctx context.Context, key string) (int64, error) {
	if err := s.prepare(key); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE list_key = $1", postgresQuoteIdentifier(postgresListTableName))
	var length int64
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&length); err != nil {
		return 0, err
	}
	return length, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) prepare(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	return s.ensureReady()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		if s.migrate != nil {
			if err := s.migrate(s.dsn); err != nil {
				s.initErr = fmt.Errorf("migrate coordination schema: %w", err)
				return
			}
		}
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

// maybePurge deletes expired rows at most once per purge interval.
func (s *PostgresStore) maybePurge(ctx context.Context) {
	s.purgeMu.Lock()
	if time.Since(s.lastPurge) < postgresPurgeInterval {
		s.purgeMu.Unlock()
		return
	}
	s.lastPurge = time.Now()
	s.purgeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()", postgresQuoteIdentifier(postgresKVTableName))
	_, _ = s.db.ExecContext(ctx, query)
}

// migratePostgres applies the embedded schema on a dedicated connection so
// closing the migrator does not close the store's pool.
func migratePostgres(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{
		MigrationsTable: postgresMigrationsTableName,
	})
	if err != nil {
		_ = db.Close()
		return err
	}
	source, err := iofs.New(postgresMigrations, "migrations")
	if err != nil {
		_ = driver.Close()
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = source.Close()
		_ = driver.Close()
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func postgresExpiryExpr(param string) string {
	return fmt.Sprintf("CASE WHEN %[1]s::bigint > 0 THEN NOW() + (%[1]s::bigint * INTERVAL '1 millisecond') ELSE NULL END", param)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
