package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ade-io/ade/config"
	"github.com/ade-io/ade/store"
)

// MigrateCommand returns the migrate command, which applies pending schema
// migrations and exits.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Apply database schema migrations",
		Flags:  []cli.Flag{ConfigFlag},
		Action: migrateAction,
	}
}

func migrateAction(c *cli.Context) error {
	settings, err := loadSettings(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, settings)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}

// openStore opens the database without the rest of the service wiring.
func openStore(ctx context.Context, settings *config.Settings) (*store.Store, error) {
	if settings.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (ADE_DATABASE_URL)")
	}
	st, err := store.Open(ctx, settings.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
