package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteJournal implements Journal using SQLite as the backend
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (and creates if needed) the database at dbPath.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if _, err := db.Exec(createTransactionsTable); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized transaction journal sqlite at %s", dbPath)

	return &SQLiteJournal{db: db}, nil
}

const sqliteInsert = `INSERT INTO transactions
	(id, started_at, duration_ms, outcome, client_addr, method, target, status_code, request_bytes, response_bytes, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteJournal) RecordTransaction(ctx context.Context, tx Transaction) error {
	_, err := s.db.ExecContext(ctx, sqliteInsert,
		tx.ID, tx.StartedAt.UTC(), tx.Duration.Milliseconds(), tx.Outcome.String(), tx.ClientAddr,
		tx.Method, tx.Target, tx.StatusCode, tx.RequestBytes, tx.ResponseBytes, tx.Error)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// RecordTransactions writes txs atomically.
func (s *SQLiteJournal) RecordTransactions(ctx context.Context, txs []Transaction) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := dbTx.PrepareContext(ctx, sqliteInsert)
	if err != nil {
		_ = dbTx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, tx := range txs {
		if _, err := stmt.ExecContext(ctx,
			tx.ID, tx.StartedAt.UTC(), tx.Duration.Milliseconds(), tx.Outcome.String(), tx.ClientAddr,
			tx.Method, tx.Target, tx.StatusCode, tx.RequestBytes, tx.ResponseBytes, tx.Error); err != nil {
			_ = dbTx.Rollback()
			return fmt.Errorf("failed to record transaction %s: %w", tx.ID, err)
		}
	}
	return dbTx.Commit()
}

func (s *SQLiteJournal) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, duration_ms, outcome, client_addr, method, target, status_code, request_bytes, response_bytes, error
		 FROM transactions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return scanTransactions(rows)
}

// HealthCheck checks if the database connection is healthy
func (s *SQLiteJournal) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteJournal) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func scanTransactions(rows *sql.Rows) ([]Transaction, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("Error closing rows: %v", err)
		}
	}()

	var out []Transaction
	for rows.Next() {
		var (
			tx         Transaction
			durationMs int64
			outcome    string
		)
		if err := rows.Scan(&tx.ID, &tx.StartedAt, &durationMs, &outcome, &tx.ClientAddr, &tx.Method,
			&tx.Target, &tx.StatusCode, &tx.RequestBytes, &tx.ResponseBytes, &tx.Error); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Duration = time.Duration(durationMs) * time.Millisecond
		tx.Outcome = parseOutcome(outcome)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}
