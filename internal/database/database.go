package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"bizmsg/internal/migrations"
	"bizmsg/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the embedded SQLite key-value store the offline queue persists into.
type Database struct {
	db        *sql.DB
	encryptor *Encryptor
}

func New(dbPath string, encryptor *Encryptor) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	// WAL + synchronous=FULL: a committed snapshot survives a crash during the next write.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initialize(db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (close error: %v)", err, closeErr)
		}
		return nil, err
	}

	if encryptor == nil {
		encryptor = &Encryptor{}
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func initialize(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Get returns the value stored under key. found is false when the key is absent.
func (d *Database) Get(ctx context.Context, key string) (value string, found bool, err error) {
	err = retryableDBOperation(ctx, "get "+key, func() error {
		row := d.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key)
		scanErr := row.Scan(&value)
		if errors.Is(scanErr, sql.ErrNoRows) {
			found = false
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}
	if !found {
		return "", false, nil
	}

	plaintext, err := d.encryptor.Decrypt(value)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt value for %s: %w", key, err)
	}
	return plaintext, true, nil
}

// Set replaces the value under key inside a single transaction, so readers observe
// either the previous value or the new one.
func (d *Database) Set(ctx context.Context, key, value string) error {
	stored, err := d.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt value for %s: %w", key, err)
	}

	err = retryableDBOperation(ctx, "set "+key, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO kv_store (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, stored)
		if err != nil {
			_ = tx.Rollback()
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (d *Database) Remove(ctx context.Context, key string) error {
	err := retryableDBOperation(ctx, "remove "+key, func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove key: %w", err)
	}
	return nil
}

// Ping reports whether the underlying database is reachable.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
