package chats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens (or creates) a sqlite-backed store at the given file
// path. The modernc driver is pure Go, so the binary stays cgo-free.
func NewSQLiteStore(ctx context.Context, path string) (Store, error) {
	if path == "" {
		path = "loom.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; a single connection avoids lock contention
	// errors under concurrent appends.
	db.SetMaxOpenConns(1)

	store := &sqlStore{db: db, rebind: rebindNone, now: time.Now}
	if err := store.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
