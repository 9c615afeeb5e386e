package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/go-council/internal/config"
	"github.com/basket/go-council/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database, credentials and connectivity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			var cfgPtr *config.Config
			if err == nil {
				cfgPtr = &cfg
			}
			d := doctor.Run(cmd.Context(), cfgPtr, Version)
			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), d); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "council %s (%s/%s, %s)\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
				if err != nil {
					fmt.Fprintf(out, "config error: %v\n", err)
				}
				for _, r := range d.Results {
					fmt.Fprintf(out, "[%s] %-12s %s\n", r.Status, r.Name, r.Message)
					if r.Detail != "" && r.Status != doctor.StatusPass {
						fmt.Fprintf(out, "       %s\n", r.Detail)
					}
				}
			}
			if d.Failed() {
				return errors.New("one or more checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the diagnosis as JSON")
	return cmd
}
