package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ToolStore abstracts the tools table for testability.
type ToolStore interface {
	LookupTool(ctx context.Context, toolID string) (*toolRow, error)
}

type toolRow struct {
	ToolID      string
	Description string
	TargetTypes []byte // JSONB array
	InputSchema []byte // JSONB, NULL if unset
	Enabled     bool
}

type sqlToolStore struct {
	db *sql.DB
}

func (s *sqlToolStore) LookupTool(ctx context.Context, toolID string) (*toolRow, error) {
	var r toolRow
	err := s.db.QueryRowContext(ctx, `
		SELECT tool_id, description, target_types, input_schema, enabled
		FROM tools
		WHERE tool_id = $1
	`, toolID).Scan(&r.ToolID, &r.Description, &r.TargetTypes, &r.InputSchema, &r.Enabled)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresCatalog reads tools from the tools table through a ToolCache.
type PostgresCatalog struct {
	store  ToolStore
	cache  *ToolCache
	logger *zap.Logger
}

// PostgresCatalogConfig configures a PostgresCatalog.
type PostgresCatalogConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 60s
	Logger   *zap.Logger
}

// NewPostgresCatalog creates a catalog backed by PostgreSQL.
func NewPostgresCatalog(cfg PostgresCatalogConfig) *PostgresCatalog {
	return newPostgresCatalogWithStore(&sqlToolStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

func newPostgresCatalogWithStore(store ToolStore, ttl time.Duration, logger *zap.Logger) *PostgresCatalog {
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresCatalog{store: store, cache: NewToolCache(ttl), logger: logger}
}

// GetTool implements Catalog. Unknown ids are cached negatively.
func (c *PostgresCatalog) GetTool(ctx context.Context, toolID string) (*Tool, error) {
	cached := c.cache.Get(toolID)
	if cached.Hit {
		if cached.NeedsRefresh {
			go c.refreshInBackground(toolID)
		}
		return cached.Tool, nil
	}

	tool, err := c.fetch(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("GetTool: %w", err)
	}
	c.cache.Set(toolID, tool)
	return tool, nil
}

// fetch returns nil, nil when the tool does not exist.
func (c *PostgresCatalog) fetch(ctx context.Context, toolID string) (*Tool, error) {
	row, err := c.store.LookupTool(ctx, toolID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseToolRow(row)
}

func (c *PostgresCatalog) refreshInBackground(toolID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tool, err := c.fetch(ctx, toolID)
	if err != nil {
		c.logger.Warn("background tool catalog refresh failed",
			zap.String("tool_id", toolID),
			zap.Error(err),
		)
		// The next request fetches synchronously and surfaces the error.
		c.cache.Delete(toolID)
		return
	}
	c.cache.Set(toolID, tool)
}

func parseToolRow(row *toolRow) (*Tool, error) {
	t := &Tool{
		ToolID:      row.ToolID,
		Description: row.Description,
		Enabled:     row.Enabled,
	}
	if len(row.TargetTypes) > 0 {
		if err := json.Unmarshal(row.TargetTypes, &t.TargetTypes); err != nil {
			return nil, fmt.Errorf("parseToolRow: target_types: %w", err)
		}
	}
	if len(row.InputSchema) > 0 && string(row.InputSchema) != "null" {
		if !json.Valid(row.InputSchema) {
			return nil, fmt.Errorf("parseToolRow: input_schema is not valid JSON")
		}
		t.InputSchema = json.RawMessage(row.InputSchema)
	}
	return t, nil
}
