package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matheus3301/hubclient/internal/bus"
)

// DB is the local state store: SQLite for messages, recent chats and the
// outbox, plus the in-memory selection and typing state.
type DB struct {
	*sql.DB

	bus *bus.Bus

	mu       sync.RWMutex
	selected string
	typing   *Typing
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// SetBus makes every mutation publish a bus event. A nil bus disables events.
func (db *DB) SetBus(b *bus.Bus) {
	db.bus = b
}
