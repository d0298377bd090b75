package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-tracker/internal/doctor"
)

func newDoctorCommand(opts *rootOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := opts.loadConfig()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "config load: %v\n", err)
			}

			diag := doctor.Run(cmd.Context(), &cfg, Version)

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Tracker Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					fmt.Fprintf(out, "%-4s %-12s: %s\n", res.Status, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "     %s\n", res.Detail)
					}
				}
			}

			if diag.Failed() {
				return fmt.Errorf("doctor: one or more checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	return cmd
}
