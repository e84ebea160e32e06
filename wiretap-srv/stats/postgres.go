package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/logger"
	_ "github.com/lib/pq"
)

// PostgreSQLJournal implements Journal using PostgreSQL
type PostgreSQLJournal struct {
	db *sql.DB
}

// NewPostgreSQLJournal connects to connectionString and ensures the schema exists.
func NewPostgreSQLJournal(connectionString string) (*PostgreSQLJournal, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(createTransactionsTable); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized transaction journal postgresql")

	return &PostgreSQLJournal{db: db}, nil
}

const postgresInsert = `INSERT INTO transactions
	(id, started_at, duration_ms, outcome, client_addr, method, target, status_code, request_bytes, response_bytes, error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO NOTHING`

func (p *PostgreSQLJournal) RecordTransaction(ctx context.Context, tx Transaction) error {
	_, err := p.db.ExecContext(ctx, postgresInsert,
		tx.ID, tx.StartedAt.UTC(), tx.Duration.Milliseconds(), tx.Outcome.String(), tx.ClientAddr,
		tx.Method, tx.Target, tx.StatusCode, tx.RequestBytes, tx.ResponseBytes, tx.Error)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// RecordTransactions writes txs atomically.
func (p *PostgreSQLJournal) RecordTransactions(ctx context.Context, txs []Transaction) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, tx := range txs {
		if _, err := dbTx.ExecContext(ctx, postgresInsert,
			tx.ID, tx.StartedAt.UTC(), tx.Duration.Milliseconds(), tx.Outcome.String(), tx.ClientAddr,
			tx.Method, tx.Target, tx.StatusCode, tx.RequestBytes, tx.ResponseBytes, tx.Error); err != nil {
			_ = dbTx.Rollback()
			return fmt.Errorf("failed to record transaction %s: %w", tx.ID, err)
		}
	}
	return dbTx.Commit()
}

func (p *PostgreSQLJournal) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, started_at, duration_ms, outcome, client_addr, method, target, status_code, request_bytes, response_bytes, error
		 FROM transactions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return scanTransactions(rows)
}

// HealthCheck checks if the database connection is healthy
func (p *PostgreSQLJournal) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgreSQLJournal) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
