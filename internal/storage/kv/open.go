package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Open builds the store named by backend: "memory", "file" or "sqlite".
func Open(ctx context.Context, backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "memory":
		return NewMemoryStore(), nil
	case "", "file":
		return NewFileStore(path)
	case "sqlite":
		if path != ":memory:" && filepath.Ext(path) == "" {
			path = filepath.Join(path, "copilot.db")
		}
		return NewSQLiteStore(ctx, path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
