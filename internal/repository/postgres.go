package repository

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/opensource-finance/heron/internal/domain"
)

// openPostgres opens a PostgreSQL database connection through lib/pq or,
// when PostgresDriver is "pgx", through the pgx stdlib driver.
func openPostgres(cfg domain.RepositoryConfig) (*sqlx.DB, error) {
	driver, err := postgresDriver(cfg.PostgresDriver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

func postgresDriver(name string) (string, error) {
	switch name {
	case "", "pq", "postgres":
		return "postgres", nil
	case "pgx":
		return "pgx", nil
	}
	return "", fmt.Errorf("unsupported postgres driver: %s", name)
}

// postgresDSN builds a keyword/value DSN understood by both drivers.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}

	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}

	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "heron"
	}

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host,
		port,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		dbname,
		getSSLMode(cfg.PostgresSSLMode),
	)
}

func getSSLMode(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}
