// Package storage is the columnar store client shared by the pipeline
// stages and the incident API. The store speaks the MySQL wire
// protocol; every query is parameterized.
package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
)

// Store wraps the columnar store connection pool.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Connect opens the connection pool, verifies it with a ping and
// ensures the schema exists.
func Connect(cfg config.StoreConfig, logger logging.Logger) (*Store, error) {
	db, err := sql.Open("mysql", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open store connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logger.Info("Connected to columnar store",
		"host", cfg.Host, "port", cfg.Port, "database", cfg.Database)
	return s, nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func buildDSN(cfg config.StoreConfig) string {
	params := map[string]string{
		"parseTime": "true",
		"loc":       "UTC",
	}
	if cfg.TLS {
		params["tls"] = "true"
	}
	for k, v := range cfg.Params {
		params[k] = v
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		strings.Join(pairs, "&"))
}
