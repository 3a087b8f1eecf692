package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"classlink/internal/app"
)

func newBrokerCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "broker",
		Short: "Run the reference topic broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(cmd, st)
		},
	}
}

func runBroker(cmd *cobra.Command, st *cliState) error {
	application, err := app.NewApplication(st.cfg, st.logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "broker listening on %s\n", application.GetAddr())

	<-ctx.Done()
	st.logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return application.Stop(shutdownCtx)
}
