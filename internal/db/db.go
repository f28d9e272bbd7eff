package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Connect opens the database connection and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            client_message_id TEXT NOT NULL UNIQUE,
            sender_id TEXT NOT NULL,
            recipient_id TEXT NOT NULL,
            ciphertext TEXT NOT NULL,
            envelope_version INT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            status TEXT NOT NULL DEFAULT 'sent' CHECK (status IN ('sent', 'delivered', 'read')),
            delivery_attempts INT NOT NULL DEFAULT 0 CHECK (delivery_attempts >= 0),
            next_retry_at TIMESTAMPTZ,
            last_attempt_at TIMESTAMPTZ,
            read_at TIMESTAMPTZ,
            dead_lettered_at TIMESTAMPTZ
        );`,
	`CREATE INDEX IF NOT EXISTS messages_recipient_status_idx ON messages (recipient_id, status);`,
	`CREATE INDEX IF NOT EXISTS messages_retry_idx ON messages (status, next_retry_at) WHERE status = 'sent';`,
	`CREATE INDEX IF NOT EXISTS messages_retry_order_idx ON messages (created_at, id) WHERE status = 'sent';`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (sender_id, recipient_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS contacts (
            user_id TEXT NOT NULL,
            contact_id TEXT NOT NULL,
            PRIMARY KEY(user_id, contact_id)
        );`,
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	logrus.WithField("count", len(migrations)).Info("database migrations applied")
	return nil
}
