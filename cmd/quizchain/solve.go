package main

import (
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammad-safakhou/quizchain/config"
	"github.com/mohammad-safakhou/quizchain/internal/submission"
	"github.com/spf13/cobra"
)

func solveCMD(cfgPath *string) *cobra.Command {
	var creds submission.Credentials
	var startURL string
	var solve = &cobra.Command{
		Use:   "solve",
		Short: "Run one chain in the foreground and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if creds.Email == "" {
				creds.Email = cfg.Quiz.Email
			}
			if creds.Secret == "" {
				creds.Secret = cfg.Quiz.Secret
			}
			if startURL == "" || creds.Email == "" || creds.Secret == "" {
				return errors.New("--url, --email and --secret are required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			run := a.orch.RunChain(ctx, creds, startURL)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}
	solve.Flags().StringVar(&startURL, "url", "", "first task URL")
	solve.Flags().StringVar(&creds.Email, "email", "", "student email (default quiz.email)")
	solve.Flags().StringVar(&creds.Secret, "secret", "", "student secret (default quiz.secret)")
	return solve
}
