// Package app wires a workspace into a running engine: config, database,
// migrations, blob store, and the report dispatcher.
package app

import (
	"database/sql"
	"fmt"

	"plantline/internal/blob"
	"plantline/internal/config"
	"plantline/internal/db"
	"plantline/internal/engine"
	"plantline/internal/migrate"
	"plantline/internal/report"
)

// Context is everything an entry point (server or CLI) needs.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
}

// Open loads the workspace config, opens and migrates the database, and
// assembles the engine. Callers own Close.
func Open(workspace string) (*Context, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	blobs, err := blob.NewStore(workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	eng := engine.New(conn, cfg, blobs)
	if cfg.Report.IsEnabled() {
		eng.Reports = report.NewHTTP(cfg.Report)
	}
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    eng,
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
