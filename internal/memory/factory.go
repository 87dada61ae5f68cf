package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// StoreConfig picks and configures a transcript backend.
type StoreConfig struct {
	// Backend is one of auto, memory, postgres, sqlite, dynamodb.
	Backend     string
	DatabaseURL string
	SQLitePath  string
	Dynamo      DynamoConfig
}

// NewStore creates the configured store. In auto mode postgres wins when a
// database URL is set, then sqlite when a path is set, otherwise in-memory.
func NewStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (Store, error) {
	switch backend := strings.ToLower(strings.TrimSpace(cfg.Backend)); backend {
	case "", "auto":
		switch {
		case strings.TrimSpace(cfg.DatabaseURL) != "":
			return NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		case strings.TrimSpace(cfg.SQLitePath) != "":
			return NewSQLiteStore(cfg.SQLitePath, logger)
		default:
			return NewInMemoryStore(), nil
		}
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres backend requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	case "sqlite":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, fmt.Errorf("sqlite backend requires SQLITE_PATH")
		}
		return NewSQLiteStore(cfg.SQLitePath, logger)
	case "dynamodb":
		return NewDynamoStore(ctx, cfg.Dynamo, logger)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", backend)
	}
}
