package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/FoxPay/internal/pkg/billing"
	"github.com/ManuelReschke/FoxPay/internal/pkg/server"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "foxpay",
		Short:   "FoxPay - idempotent Stripe billing service",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(pruneCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var noJobs bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and background maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := server.New()
			if err != nil {
				return err
			}
			app := s.NewApplication()

			if !noJobs {
				s.Jobs.Start()
				defer s.Jobs.Stop()
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- app.Listen(fmt.Sprintf("%s:%s", s.Config.AppHost, s.Config.AppPort))
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				log.Infof("[Server] received %s, shutting down", sig)
				return app.ShutdownWithTimeout(30 * time.Second)
			}
		},
	}
	cmd.Flags().BoolVar(&noJobs, "no-jobs", false, "do not run pruning and reconcile tickers")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var (
		limit  int
		offset int
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile local subscriptions against Stripe",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := server.New()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var res billing.Result
			if all {
				res, err = s.Reconciler.ReconcileAll(ctx, limit)
			} else {
				res, err = s.Reconciler.Reconcile(ctx, billing.Page{Limit: limit, Offset: offset})
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d corrected=%d errors=%d\n", res.Checked, res.Corrected, res.Errors)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", billing.DefaultReconcileLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().BoolVar(&all, "all", false, "walk all pages")
	return cmd
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete processed Stripe events past retention and expired idempotency keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := server.New()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			events, keys, err := s.Prune(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned events=%d keys=%d\n", events, keys)
			return nil
		},
	}
}
