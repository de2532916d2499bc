package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/basket/sandq/internal/doctor"
	otelPkg "github.com/basket/sandq/internal/otel"
)

var errDoctorFailed = errors.New("one or more checks failed")

func (c *cli) doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, database schema, analyzer and telemetry setup",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := doctor.Run(cmd.Context(), &c.cfg, otelPkg.Version)
			err := c.emit(d, func(w io.Writer) {
				fmt.Fprintf(w, "sandq %s (%s/%s, %s)\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
				for _, r := range d.Results {
					fmt.Fprintf(w, "[%s] %-12s %s\n", r.Status, r.Name, r.Message)
					if r.Detail != "" {
						fmt.Fprintf(w, "       %s\n", r.Detail)
					}
				}
			})
			if err != nil {
				return err
			}
			if d.Failed() {
				return errDoctorFailed
			}
			return nil
		},
	}
}
