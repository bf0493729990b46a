package cmd

import (
	"fmt"

	"github.com/embedo/embedo/db"
	"github.com/embedo/embedo/internal/config"
)

// runMigrate applies pending migrations and exits. serve also migrates on
// startup; this command exists for deploy pipelines that migrate separately.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}
