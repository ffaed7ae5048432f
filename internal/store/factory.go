package store

import (
	"context"
	"log"
	"strings"
)

// New selects a backend from the database URL: postgres:// URLs get the
// pool-backed store, "memory" keeps everything in process, anything else
// is treated as a sqlite file path.
func New(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "" || databaseURL == "memory":
		log.Printf("store: in-memory (no persistence across restarts)")
		return NewMemoryStore(), nil
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		log.Printf("store: postgres")
		return NewPostgresStore(ctx, databaseURL)
	default:
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		log.Printf("store: sqlite at %s", path)
		return NewSQLiteStore(ctx, path)
	}
}
