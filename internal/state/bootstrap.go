package state

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Stores bundles the repos built during persistence bootstrap.
type Stores struct {
	Instances    *InstanceRepo
	SystemConfig *SystemConfigRepo

	// HistoryDB is handed to the history recorder's repo, which owns its
	// statements.
	HistoryDB *sql.DB
}

// persistenceCloser holds DB handles for cleanup. Implements io.Closer.
type persistenceCloser struct {
	stateDB   *sql.DB
	historyDB *sql.DB
}

func (c *persistenceCloser) Close() error {
	return errors.Join(c.stateDB.Close(), c.historyDB.Close())
}

// PersistenceBootstrap opens state.db and history.db under stateDir, applies
// migrations, and returns the repos plus an io.Closer for the DB handles.
func PersistenceBootstrap(stateDir string) (*Stores, io.Closer, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	stateDB, err := OpenDB(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open state.db: %w", err)
	}

	historyDB, err := OpenDB(filepath.Join(stateDir, "history.db"))
	if err != nil {
		stateDB.Close()
		return nil, nil, fmt.Errorf("open history.db: %w", err)
	}

	if err := MigrateStateDB(stateDB); err != nil {
		stateDB.Close()
		historyDB.Close()
		return nil, nil, err
	}
	if err := MigrateHistoryDB(historyDB); err != nil {
		stateDB.Close()
		historyDB.Close()
		return nil, nil, err
	}

	stores := &Stores{
		Instances:    NewInstanceRepo(stateDB),
		SystemConfig: NewSystemConfigRepo(stateDB),
		HistoryDB:    historyDB,
	}
	return stores, &persistenceCloser{stateDB: stateDB, historyDB: historyDB}, nil
}
