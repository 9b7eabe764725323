package cmd

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userops/pkg/erc4337/preset"
)

var (
	receiptFromLogs bool
	receiptLookback uint64

	receiptCmd = &cobra.Command{
		Use:   "receipt <userop hash>",
		Short: "Look up the receipt of an operation",
		Long: `Look up an operation receipt through the bundler pool, or with --from-logs by scanning
the EntryPoint UserOperationEvent logs on the node.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := parseHash(args[0])
			if err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var source preset.ReceiptSource = a.pool
			if receiptFromLogs {
				client, err := a.chain(ctx)
				if err != nil {
					return err
				}
				source = preset.NewEventLogReceiptSource(client, a.cfg.EntrypointAddress, receiptLookback)
			}

			receipt, err := source.GetUserOperationReceipt(ctx, hash)
			if err != nil {
				return err
			}
			if receipt == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "No receipt for %s yet\n", hash.Hex())
				return nil
			}

			printReceipt(cmd.OutOrStdout(), a.chainID, receipt)
			dump(cmd.OutOrStdout(), receipt)
			return nil
		},
	}
)

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid hash %q: want 0x followed by 64 hex digits", s)
	}
	return common.BytesToHash(b), nil
}

func init() {
	receiptCmd.Flags().BoolVar(&receiptFromLogs, "from-logs", false, "Read the receipt from EntryPoint logs instead of the bundlers")
	receiptCmd.Flags().Uint64Var(&receiptLookback, "lookback", preset.DefaultLogLookback, "Blocks to scan back with --from-logs")
	rootCmd.AddCommand(receiptCmd)
}
