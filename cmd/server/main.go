// kosuked is the kosuke preview and session orchestrator daemon.
//
// It manages per-session Git branches, per-session Postgres databases,
// preview containers and their routing, and the activity stream the chat
// UI listens on.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kosuke-ai/kosuke/pkg/server"
)

const shutdownGrace = 15 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:          "kosuked",
		Short:        "kosuke preview and session orchestrator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv, err := server.New(ctx)
			if err != nil {
				return err
			}
			defer srv.ShutdownFunc(ctx)
			fmt.Println(srv.Config.Server.Version)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	log.Info().Msg("kosuke orchestrator starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.ShutdownFunc(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Shutdown cleanup failed")
		}
	}()

	go srv.Janitor.Start(ctx)

	if err := srv.ListenAndServe(ctx, shutdownGrace); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	log.Info().Msg("kosuke orchestrator stopped")
	return nil
}
