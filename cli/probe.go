package cli

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/moyoez/courseupload/netprobe"
)

func newProbeCmd(g *globals) *cobra.Command {
	var (
		asJSON   bool
		probeURL string
		pingHost string
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Measure the network and print the recommended transfer profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.cfg.Network
			if probeURL != "" {
				cfg.ProbeURL = probeURL
			}
			if pingHost != "" {
				cfg.PingHost = pingHost
			}
			p := netprobe.NewSampler(cfg, nil).Measure(cmd.Context())
			out := cmd.OutOrStdout()
			if asJSON {
				data, err := sonic.ConfigStd.MarshalIndent(p, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "measured:     %t\n", p.Measured)
			fmt.Fprintf(out, "bandwidth:    %.1f Mbps\n", p.DownloadMbps)
			fmt.Fprintf(out, "latency:      %.0f ms\n", p.LatencyMs)
			fmt.Fprintf(out, "class:        %s\n", p.EffectiveConnectionClass)
			fmt.Fprintf(out, "chunk size:   %d MiB\n", p.RecommendedChunkBytes>>20)
			fmt.Fprintf(out, "concurrency:  %d\n", p.RecommendedConcurrency)
			fmt.Fprintf(out, "retry limit:  %d\n", p.RetryLimit)
			fmt.Fprintf(out, "base backoff: %d ms\n", p.BaseBackoffMs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the profile as JSON")
	cmd.Flags().StringVar(&probeURL, "url", "", "Download probe URL (overrides network.probeURL)")
	cmd.Flags().StringVar(&pingHost, "ping", "", "Host to ping (overrides network.pingHost)")
	return cmd
}
