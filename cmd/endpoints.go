package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// endpointsCmd probes every configured bundler
var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Probe the configured bundler endpoints",
	Long: `Call eth_supportedEntryPoints on every configured bundler, in pool order, and report
latency and whether the configured EntryPoint is supported. Credentials are never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		statuses := a.pool.Probe(cmd.Context())

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSTATUS\tLATENCY\tENTRYPOINT")
		healthy := 0
		for _, s := range statuses {
			if s.Err != nil {
				fmt.Fprintf(tw, "%s\tdown\t%s\t%s\n", s.Endpoint.Name, s.Latency.Round(time.Millisecond), strings.Join(strings.Fields(s.Err.Error()), " "))
				continue
			}
			healthy++
			supported := lo.Contains(s.EntryPoints, a.cfg.EntrypointAddress)
			fmt.Fprintf(tw, "%s\tup\t%s\t%s\n", s.Endpoint.Name, s.Latency.Round(time.Millisecond),
				lo.Ternary(supported, "supported", "not supported (has "+joinAddresses(s.EntryPoints)+")"))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d endpoints reachable\n", healthy, len(statuses))
		dump(cmd.OutOrStdout(), statuses)
		if healthy == 0 {
			return fmt.Errorf("no bundler endpoint is reachable")
		}
		return nil
	},
}

func joinAddresses(addrs []common.Address) string {
	if len(addrs) == 0 {
		return "none"
	}
	return strings.Join(lo.Map(addrs, func(a common.Address, _ int) string { return a.Hex() }), ", ")
}

func init() {
	rootCmd.AddCommand(endpointsCmd)
}
