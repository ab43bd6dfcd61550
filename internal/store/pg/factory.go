// Package pg implements the store interfaces on Postgres via database/sql
// and the pgx stdlib driver.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/leadpulse/leadpulse/internal/store"
)

// OpenDB opens and pings a Postgres connection pool.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPGStores creates all stores backed by one Postgres pool.
func NewPGStores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Leads:    NewPGLeadStore(db),
		Messages: NewPGMessageStore(db),
		Configs:  NewPGConfigStore(db, defaultConfigTTL),
		Alerts:   NewPGAlertStore(db),
		Channels: NewPGChannelStore(db),
	}
}
