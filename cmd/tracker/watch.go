package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-tracker/internal/bus"
	"github.com/basket/go-tracker/internal/config"
	"github.com/basket/go-tracker/internal/dashboard"
	"github.com/basket/go-tracker/internal/keepalive"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var withDashboard bool
	cmd := &cobra.Command{
		Use:   "watch <project-id> [epic-id] [story-id]",
		Short: "Keep a path loaded and report every change until interrupted",
		Long: `watch signs in, loads the selected path and stays running. The
session is re-verified and the loaded levels refreshed on the keepalive
schedule. Store changes are printed as they happen, and optionally streamed
to WebSocket clients of the dashboard. Interrupting signs out.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd.OutOrStdout(), opts, args, withDashboard)
		},
	}
	cmd.Flags().BoolVar(&withDashboard, "dashboard", false, "serve the live dashboard (also dashboard.enabled)")
	return cmd
}

func runWatch(ctx context.Context, out io.Writer, opts *rootOptions, args []string, withDashboard bool) error {
	a, err := openApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger.With("component", "watch")

	changes := a.bus.Subscribe(bus.TopicStoreChanged)
	defer a.bus.Unsubscribe(changes)

	go func() { _ = a.orch.Run(ctx) }()

	chain := chainFromArgs(args)
	if err := a.orch.Navigate(ctx, chain); err != nil {
		fmt.Fprintf(out, "load failed: %v\n", err)
	}

	var ka *keepalive.Scheduler
	startKeepalive := func(schedule string) {
		if ka != nil {
			ka.Stop()
			ka = nil
		}
		if schedule == "" {
			return
		}
		s, err := keepalive.NewScheduler(keepalive.Config{
			Schedule:  schedule,
			Session:   a.session,
			Refresher: a.orch,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("keepalive disabled", "error", err)
			return
		}
		s.Start(ctx)
		ka = s
	}
	startKeepalive(a.cfg.KeepaliveSchedule)
	defer func() {
		if ka != nil {
			ka.Stop()
		}
	}()

	if withDashboard || a.cfg.Dashboard.Enabled {
		dash := dashboard.NewServer(dashboard.Config{
			BindAddr: a.cfg.Dashboard.BindAddr,
			Bus:      a.bus,
			Logger:   logger,
			Snapshot: func() dashboard.Snapshot {
				return dashboard.Snapshot{
					Session: string(a.session.State()),
					UserID:  a.session.User().ID,
					Chain:   a.orch.Chain().String(),
					Sizes:   a.stores.Sizes(),
				}
			},
		})
		if err := dash.Start(); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		defer dash.Stop()
		fmt.Fprintf(out, "dashboard on ws://%s/ws\n", dash.Addr())
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, logger)
	reloads := watcher.Events()
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
		reloads = nil
	}

	fmt.Fprintf(out, "watching %s as %s\n", chain.String(), a.session.User().Email)
	for {
		select {
		case <-ctx.Done():
			logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.session.Logout(logoutCtx)
			cancel()
			fmt.Fprintln(out, "signed out")
			return nil

		case ev, ok := <-changes.Ch():
			if !ok {
				return nil
			}
			if e, ok := ev.Payload.(bus.StoreChangedEvent); ok {
				fmt.Fprintf(out, "%s %-7s %-7s scope=%s size=%d\n",
					time.Now().Format(time.TimeOnly), e.Entity, e.Reason, e.Scope, e.Size)
			}

		case ev, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			next, err := opts.loadConfig()
			if err != nil {
				logger.Warn("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			if next.Fingerprint() == a.cfg.Fingerprint() {
				continue
			}
			logger.Info("config changed", "fingerprint", next.Fingerprint())
			if next.KeepaliveSchedule != a.cfg.KeepaliveSchedule {
				startKeepalive(next.KeepaliveSchedule)
			}
			if next.BaseURL != a.cfg.BaseURL {
				fmt.Fprintln(out, "base_url changed; restart watch to apply")
			}
			a.cfg = next
		}
	}
}
