package storage

import (
	"context"
	"errors"
	"strings"

	logx "pushbot/pkg/logx"
)

// Store is the persistence API used by the engine stores and the audit consumer.
type Store interface {
	// LoadDocument decodes the named document into out. ok is false when it was never saved.
	LoadDocument(ctx context.Context, name string, out any) (ok bool, err error)
	// SaveDocument replaces the named document.
	SaveDocument(ctx context.Context, name string, v any) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
