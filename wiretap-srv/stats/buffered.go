package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/logger"
)

// BufferedJournal queues transactions in memory and writes them to the
// underlying journal on a fixed interval and on Close.
type BufferedJournal struct {
	underlying Journal
	interval   time.Duration

	buffer struct {
		pending []Transaction
		mu      sync.Mutex
	}

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBufferedJournal creates a buffered journal with a 5 second interval.
func NewBufferedJournal(underlying Journal) *BufferedJournal {
	return NewBufferedJournalWithInterval(underlying, 5*time.Second)
}

// NewBufferedJournalWithInterval creates a buffered journal with custom interval
func NewBufferedJournalWithInterval(underlying Journal, interval time.Duration) *BufferedJournal {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bj := &BufferedJournal{
		underlying: underlying,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
	bj.buffer.pending = make([]Transaction, 0, 256)

	bj.wg.Add(1)
	go bj.flusher()

	return bj
}

// flusher runs in the background and flushes on every tick
func (b *BufferedJournal) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered journal flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// RecordTransaction queues tx for the next flush.
func (b *BufferedJournal) RecordTransaction(_ context.Context, tx Transaction) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	b.buffer.pending = append(b.buffer.pending, tx)
	return nil
}

// Pending returns the number of queued transactions.
func (b *BufferedJournal) Pending() int {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	return len(b.buffer.pending)
}

// Flush writes queued transactions immediately.
func (b *BufferedJournal) Flush() {
	b.flush()
}

func (b *BufferedJournal) flush() {
	b.buffer.mu.Lock()
	batch := b.buffer.pending
	b.buffer.pending = make([]Transaction, 0, cap(batch))
	b.buffer.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if batcher, ok := b.underlying.(BatchRecorder); ok {
		if err := batcher.RecordTransactions(ctx, batch); err != nil {
			logger.Error("Failed to flush %d transactions: %v", len(batch), err)
		} else {
			logger.Debug("Flushed %d transactions", len(batch))
		}
		return
	}

	for _, tx := range batch {
		if err := b.underlying.RecordTransaction(ctx, tx); err != nil {
			logger.Error("Failed to flush transaction %s: %v", tx.ID, err)
		}
	}
}

// RecentTransactions flushes first so the result includes queued entries.
func (b *BufferedJournal) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	b.flush()
	return b.underlying.RecentTransactions(ctx, limit)
}

func (b *BufferedJournal) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close stops the flusher, writes what is left and closes the underlying journal.
func (b *BufferedJournal) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopChan)
		b.wg.Wait()
		err = b.underlying.Close()
	})
	return err
}
