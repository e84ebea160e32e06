// Package stats collects transaction outcomes for the status page and
// persists completed transactions to a journal backend.
package stats

import (
	"context"
	"time"
)

// Transaction is one completed client exchange.
type Transaction struct {
	ID            string
	StartedAt     time.Time
	Duration      time.Duration
	Outcome       Outcome
	ClientAddr    string
	Method        string
	Target        string
	StatusCode    int
	RequestBytes  int64
	ResponseBytes int64
	Error         string
}

// Journal persists transactions.
type Journal interface {
	RecordTransaction(ctx context.Context, tx Transaction) error
	RecentTransactions(ctx context.Context, limit int) ([]Transaction, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// BatchRecorder is an optional extension for journals that can write many
// transactions in one database transaction.
type BatchRecorder interface {
	RecordTransactions(ctx context.Context, txs []Transaction) error
}

const createTransactionsTable = `CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMP NOT NULL,
	duration_ms BIGINT NOT NULL,
	outcome TEXT NOT NULL,
	client_addr TEXT NOT NULL,
	method TEXT NOT NULL,
	target TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	request_bytes BIGINT NOT NULL,
	response_bytes BIGINT NOT NULL,
	error TEXT NOT NULL
)`

func parseOutcome(s string) Outcome {
	switch s {
	case "SUCCESS":
		return Success
	case "STOPPED":
		return Stopped
	default:
		return Failure
	}
}
