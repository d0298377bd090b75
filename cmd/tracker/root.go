package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/go-tracker/internal/config"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	Home     string
	BaseURL  string
	LogLevel string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Project, epic, story and task tracker client",
		Long: `tracker talks to a project tracking backend. It signs in with a
cookie session, loads the Project > Epic > Story > Task hierarchy for the
selected path and keeps it consistent as the selection changes.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Home, "home", "", "tracker home directory (default $TRACKER_HOME or ~/.tracker)")
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "", "backend base URL, overrides config")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newProjectsCommand(opts))
	cmd.AddCommand(newEpicsCommand(opts))
	cmd.AddCommand(newStoriesCommand(opts))
	cmd.AddCommand(newTasksCommand(opts))
	cmd.AddCommand(newTaskCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newDoctorCommand(opts))

	return cmd
}

func (o *rootOptions) homeDir() string {
	if h := strings.TrimSpace(o.Home); h != "" {
		return h
	}
	return config.HomeDir()
}

// loadConfig reads the config under the selected home and applies flag
// overrides on top of file and environment values.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.LoadFrom(o.homeDir())
	if err != nil {
		return cfg, err
	}
	if v := strings.TrimSpace(o.BaseURL); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}
