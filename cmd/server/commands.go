package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/codelattice/internal/config"
)

const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "codelattice",
		Short: "Collaborative code editing server",
		Long: `codelattice serves live collaborative editing rooms for projects
provisioned from framework templates. Room documents are persisted to a
durable key/value store when the last editor leaves and restored on the
next connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	warm := &cobra.Command{
		Use:   "warm [framework...]",
		Short: "Load templates through every cache tier",
		Long: `warm reads each named framework's template (all configured frameworks
when none are given) and waits until the durable template cache holds it,
so the first provisioning after a deploy does not walk the disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runWarm(cmd.Context(), cfg, args)
		},
	}

	root.AddCommand(serve, warm)
	return root
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cfg.Log.Logger(os.Stderr))
	if err != nil {
		return err
	}
	defer a.Close()

	a.retention.Start()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", "addr", cfg.Addr, "store", cfg.Store.Backend, "templates", cfg.Templates.Dir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		a.log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http shutdown", "err", err)
	}
	return nil
}

func runWarm(ctx context.Context, cfg *config.Config, frameworks []string) error {
	logger := cfg.Log.Logger(os.Stderr)

	kv, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer kv.Close()

	templates, err := newTemplates(cfg, kv, logger)
	if err != nil {
		return err
	}

	if len(frameworks) == 0 {
		frameworks = templates.Frameworks()
	}
	for _, fw := range frameworks {
		files, err := templates.Fetch(ctx, fw)
		if err != nil {
			return err
		}
		logger.Info("template warmed", "framework", fw, "files", len(files))
	}
	templates.Wait()

	if stats := templates.Stats(); stats.BackfillErrors > 0 {
		return errors.New("some templates could not be written to the durable store")
	}
	return nil
}
