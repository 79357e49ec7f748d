package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/EFForg/portal-access/api"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "portal-access",
		Short:         "Admin login, subscription lifecycle and retention sweeps for the press portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is fine; the environment may be set directly.
			godotenv.Load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSweepCommand())
	return rootCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return sweepOnce(ctx, cmd)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := newServices(cfg)
	if err != nil {
		return err
	}

	// The queue stops only after the HTTP server has drained.
	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	go svc.queue.Run(queueCtx)
	go svc.sweeper.Run(ctx)
	go svc.pruneLoop(ctx, time.Hour)

	a := &api.API{
		Database:           svc.database,
		Lifecycle:          svc.lifecycle,
		Authenticator:      svc.authenticator,
		Sweeper:            svc.sweeper,
		Identity:           api.HeaderIdentity{Key: cfg.IdentityKey},
		SweepSecret:        cfg.SweepSecret,
		SecureCookies:      cfg.SecureCookies,
		TrustForwardHeader: cfg.TrustForwardHeader,
		AllowedOrigins:     cfg.AllowedOrigins,
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.RegisterHandlers(http.NewServeMux()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}

	errs := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", cfg.Addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err = <-errs:
	case <-ctx.Done():
		log.Println("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = server.Shutdown(shutdownCtx)
	}
	stopQueue()
	svc.queue.Wait()
	return err
}

func sweepOnce(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := newSweeper(cfg)
	if err != nil {
		return err
	}
	report, err := s.SweepNow(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
