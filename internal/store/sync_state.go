package store

import (
	"database/sql"
	"strconv"
)

// GetSyncState returns a stored checkpoint value.
func (db *DB) GetSyncState(key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetSyncState stores a checkpoint value.
func (db *DB) SetSyncState(key, value string) error {
	_, err := db.Exec(`INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// SyncInt reads an integer checkpoint, 0 when absent or malformed.
func (db *DB) SyncInt(key string) (int, error) {
	v, ok, err := db.GetSyncState(key)
	if err != nil || !ok {
		return 0, err
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

// SetSyncInt stores an integer checkpoint.
func (db *DB) SetSyncInt(key string, n int) error {
	return db.SetSyncState(key, strconv.Itoa(n))
}
