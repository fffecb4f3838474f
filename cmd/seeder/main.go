//cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/unclebandit/mailcampaign/internal/config"
	"github.com/unclebandit/mailcampaign/internal/db"
	"github.com/unclebandit/mailcampaign/internal/logger"
)

var defaultSeedFiles = []string{
	"seed/subscribers.sql",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	log := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format)

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.Database.Postgres)
	if err != nil {
		log.Error("database unavailable", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer conn.Close()

	applied, err := db.Migrate(ctx, conn)
	if err != nil {
		log.Error("migration failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	log.Info("migrations up to date", map[string]interface{}{"applied": applied})

	files := defaultSeedFiles
	if len(os.Args) > 1 {
		files = os.Args[1:]
	}
	if err := seed(ctx, conn, files, log); err != nil {
		log.Error("seeding failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	log.Info("database seeding completed", nil)
}

// seed executes each file as one statement batch, stopping at the first
// failure.
func seed(ctx context.Context, conn *sql.DB, files []string, log logger.Logger) error {
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", file, err)
		}
		log.Info("seeded", map[string]interface{}{"file": file})
	}
	return nil
}
