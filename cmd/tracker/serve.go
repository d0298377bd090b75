package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-tracker/internal/devserver"
	"github.com/basket/go-tracker/internal/telemetry"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr, dbPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SQLite-backed development backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.DevServer.BindAddr
			}
			if dbPath == "" {
				dbPath = cfg.DBPath()
			}

			logger, logFile, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logFile.Close()
			logger = logger.With("component", "devserver")

			db, err := devserver.OpenDB(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			srv := &http.Server{
				Handler:           devserver.NewServer(db, devserver.Options{Logger: logger}).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			logger.Info("dev backend listening", "addr", ln.Addr().String(), "db", dbPath)
			fmt.Fprintf(cmd.OutOrStdout(), "serving on http://%s%s\n", ln.Addr(), devserver.DefaultBasePath)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			logger.Info("dev backend shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default devserver.bind_addr)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default devserver.db_path)")
	return cmd
}
