package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        id SERIAL PRIMARY KEY,
        username VARCHAR(50) UNIQUE NOT NULL,
        password VARCHAR(255) NOT NULL,
        role VARCHAR(10) NOT NULL DEFAULT 'patient' CHECK (role IN ('patient', 'doctor')),
        created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
    )`,

	`CREATE TABLE IF NOT EXISTS conversations (
        id SERIAL PRIMARY KEY,
        patient_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        doctor_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        appointment_id VARCHAR(64) NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
        UNIQUE (patient_id, doctor_id, appointment_id)
    )`,

	`CREATE TABLE IF NOT EXISTS messages (
        id SERIAL PRIMARY KEY,
        conversation_id INT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
        sender_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        sender_role VARCHAR(10) NOT NULL,
        content TEXT NOT NULL,
        correlation_id VARCHAR(64) NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
    )`,

	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
        ON messages (conversation_id, created_at)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
