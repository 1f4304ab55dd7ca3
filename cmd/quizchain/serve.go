package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/quizchain/config"
	"github.com/mohammad-safakhou/quizchain/internal/server"
	"github.com/mohammad-safakhou/quizchain/internal/telemetry"
	"github.com/spf13/cobra"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the quiz HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Quiz.Secret) == "" {
				return errors.New("quiz.secret is required to serve")
			}
			if addr == "" {
				addr = cfg.Server.Address()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := newLogger("[HTTP] ")
			tracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracing.Shutdown(shutdownCtx); err != nil {
					logger.Printf("tracing shutdown: %v", err)
				}
			}()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			e := server.NewEcho(logger, a.metrics)
			h := &server.QuizHandler{
				Chains: a.orch,
				Runs:   a.runs,
				Secret: cfg.Quiz.Secret,
				Email:  cfg.Quiz.Email,
				Logger: logger,
			}
			h.Register(e)
			return server.Serve(ctx, e, addr, logger)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default from server.host and server.port)")
	return serve
}
