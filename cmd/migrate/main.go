package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"moltregistry/internal/config"
	"moltregistry/internal/db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "migrate",
		Usage: "Apply or roll back the registry schema",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "direction", Value: "up", Usage: "up or down"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			direction := c.String("direction")
			if err := db.Migrate(ctx, cfg.DatabaseURL, direction); err != nil {
				return err
			}
			slog.Info("migration complete", "direction", direction)
			return nil
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("migration failed", "err", err)
		os.Exit(1)
	}
}
