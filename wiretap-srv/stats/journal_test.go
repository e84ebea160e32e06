package stats

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransaction(outcome Outcome, started time.Time) Transaction {
	return Transaction{
		ID:            uuid.NewString(),
		StartedAt:     started,
		Duration:      150 * time.Millisecond,
		Outcome:       outcome,
		ClientAddr:    "127.0.0.1:40000",
		Method:        "GET",
		Target:        "example.com:80",
		StatusCode:    200,
		RequestBytes:  10,
		ResponseBytes: 20,
	}
}

func TestSQLiteJournal(t *testing.T) {
	ctx := context.Background()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.HealthCheck(ctx))

	base := time.Now().Add(-time.Minute).Truncate(time.Second)
	first := newTransaction(Success, base)
	second := newTransaction(Stopped, base.Add(time.Second))
	second.Error = "dropped"
	require.NoError(t, j.RecordTransaction(ctx, first))
	require.NoError(t, j.RecordTransactions(ctx, []Transaction{second}))

	recent, err := j.RecentTransactions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0].ID)
	assert.Equal(t, Stopped, recent[0].Outcome)
	assert.Equal(t, "dropped", recent[0].Error)
	assert.Equal(t, first.ID, recent[1].ID)
	assert.Equal(t, 150*time.Millisecond, recent[1].Duration)
	assert.Equal(t, "example.com:80", recent[1].Target)

	// Duplicate ids violate the primary key
	assert.Error(t, j.RecordTransaction(ctx, first))
}

type memoryJournal struct {
	mu     sync.Mutex
	txs    []Transaction
	closed bool
}

func (m *memoryJournal) RecordTransaction(_ context.Context, tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, tx)
	return nil
}

func (m *memoryJournal) RecentTransactions(_ context.Context, limit int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.txs) {
		limit = len(m.txs)
	}
	return append([]Transaction(nil), m.txs[:limit]...), nil
}

func (m *memoryJournal) HealthCheck(context.Context) error { return nil }

func (m *memoryJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryJournal) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

func TestBufferedJournalFlushOnClose(t *testing.T) {
	mem := &memoryJournal{}
	bj := NewBufferedJournalWithInterval(mem, time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, bj.RecordTransaction(context.Background(), newTransaction(Success, time.Now())))
	}
	assert.Equal(t, 5, bj.Pending())
	assert.Equal(t, 0, mem.count())

	require.NoError(t, bj.Close())
	assert.Equal(t, 5, mem.count())
	assert.True(t, mem.closed)
	require.NoError(t, bj.Close())
}

func TestBufferedJournalIntervalFlush(t *testing.T) {
	mem := &memoryJournal{}
	bj := NewBufferedJournalWithInterval(mem, 10*time.Millisecond)
	defer bj.Close()

	require.NoError(t, bj.RecordTransaction(context.Background(), newTransaction(Failure, time.Now())))
	assert.Eventually(t, func() bool { return mem.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBufferedJournalRecentFlushes(t *testing.T) {
	mem := &memoryJournal{}
	bj := NewBufferedJournalWithInterval(mem, time.Hour)
	defer bj.Close()

	require.NoError(t, bj.RecordTransaction(context.Background(), newTransaction(Success, time.Now())))
	recent, err := bj.RecentTransactions(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestNewJournal(t *testing.T) {
	j, err := NewJournal(&config.JournalConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, &DummyJournal{}, j)

	j, err = NewJournal(&config.JournalConfig{Enabled: true, Backend: "dummy"})
	require.NoError(t, err)
	assert.IsType(t, &DummyJournal{}, j)

	j, err = NewJournal(&config.JournalConfig{Enabled: true, Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "j.db")})
	require.NoError(t, err)
	assert.IsType(t, &BufferedJournal{}, j)
	require.NoError(t, j.Close())

	_, err = NewJournal(&config.JournalConfig{Enabled: true, Backend: "postgres"})
	assert.Error(t, err)

	_, err = NewJournal(&config.JournalConfig{Enabled: true, Backend: "mongo"})
	assert.Error(t, err)
}
