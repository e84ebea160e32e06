package stats

import (
	"fmt"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/config"
)

// NewJournal creates the journal selected by cfg. A disabled journal is a DummyJournal.
func NewJournal(cfg *config.JournalConfig) (Journal, error) {
	if !cfg.Enabled {
		return NewDummyJournal(), nil
	}

	var journal Journal
	var err error

	switch cfg.Backend {
	case "sqlite", "":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = "wiretap_journal.db"
		}
		journal, err = NewSQLiteJournal(sqlitePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		journal, err = NewPostgreSQLJournal(cfg.PostgresDSN)
	case "dummy":
		return NewDummyJournal(), nil
	default:
		return nil, fmt.Errorf("unsupported journal backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s journal: %w", cfg.Backend, err)
	}

	return NewBufferedJournalWithInterval(journal, time.Duration(cfg.FlushInterval)*time.Second), nil
}
