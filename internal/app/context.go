package app

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/journal"
	"gateline/internal/migrate"
)

// Context bundles everything a command or server needs to run against one
// workspace.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace: database opened, schema migrated, config
// loaded (defaults when no gateline.yml exists). The caller owns Close.
func Open(workspace string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	mirror := journal.Mirror{}
	if cfg.Journal.Mirror {
		mirror.Dir = filepath.Join(workspace, ".gateline", "journal")
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg, mirror),
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}
