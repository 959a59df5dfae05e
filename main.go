package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmarksync/internal/cmd/agent"
	"github.com/chirino/bookmarksync/internal/cmd/migrate"
	"github.com/chirino/bookmarksync/internal/cmd/serve"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "bookmarksyncd",
		Usage: "Bookmark sync server",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
			agent.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
