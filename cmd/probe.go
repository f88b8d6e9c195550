package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"castreceiver/internal/discovery"
)

func newProbeCmd() *cobra.Command {
	var target string
	var timeout time.Duration
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Look for receivers on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			receivers, err := discovery.Probe(cmd.Context(), target, timeout)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				type entry struct {
					Name     string `json:"name"`
					CastAddr string `json:"castAddr"`
				}
				entries := make([]entry, 0, len(receivers))
				for _, r := range receivers {
					entries = append(entries, entry{Name: r.Name, CastAddr: r.CastAddr()})
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			if len(receivers) == 0 {
				_, err := fmt.Fprintln(out, "no receivers found")
				return err
			}
			for _, r := range receivers {
				if _, err := fmt.Fprintf(out, "%s\t%s\n", r.Name, r.CastAddr()); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "255.255.255.255:8889", "address the probe is sent to")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "how long to wait for responses")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")

	return cmd
}
