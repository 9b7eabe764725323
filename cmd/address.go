package cmd

import (
	"fmt"
	"math/big"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/core/config"
)

var (
	addressOwner string
	addressSalt  int64

	addressCmd = &cobra.Command{
		Use:   "address",
		Short: "Show the smart account address of an owner",
		Long: `Resolve the counterfactual smart account address for an owner and salt through the
factory, and show whether it is deployed and its current EntryPoint nonce.

Without --owner the address of the configured owner key is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var owner common.Address
			switch {
			case addressOwner != "":
				if !common.IsHexAddress(addressOwner) {
					return fmt.Errorf("invalid owner address: %s", addressOwner)
				}
				owner = common.HexToAddress(addressOwner)
			default:
				key, err := a.cfg.RequireOwnerKey()
				if err != nil {
					return err
				}
				owner = signer.Address(key)
			}

			salt := a.cfg.AccountSalt
			if cmd.Flags().Changed("salt") {
				salt = big.NewInt(addressSalt)
			}

			ctx := cmd.Context()
			client, err := a.chain(ctx)
			if err != nil {
				return err
			}

			sender, err := aa.NewFactory(a.cfg.FactoryAddress, client).GetAddress(ctx, owner, salt)
			if err != nil {
				return err
			}
			deployed, err := aa.IsDeployed(ctx, client, sender)
			if err != nil {
				return err
			}
			nonce, err := aa.NewEntryPoint(a.cfg.EntrypointAddress, client).GetNonce(ctx, sender, big.NewInt(0))
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Owner:\t%s\n", owner.Hex())
			fmt.Fprintf(tw, "Salt:\t%s\n", salt)
			fmt.Fprintf(tw, "Smart account:\t%s\n", sender.Hex())
			fmt.Fprintf(tw, "Deployed:\t%t\n", deployed)
			fmt.Fprintf(tw, "Nonce:\t%s\n", nonce)
			if link := config.AddressURL(a.chainID, sender); link != "" {
				fmt.Fprintf(tw, "Explorer:\t%s\n", link)
			}
			return tw.Flush()
		},
	}
)

func init() {
	addressCmd.Flags().StringVar(&addressOwner, "owner", "", "Owner EOA (defaults to the configured owner key)")
	addressCmd.Flags().Int64Var(&addressSalt, "salt", 0, "Account salt (defaults to account_salt in the config)")
	rootCmd.AddCommand(addressCmd)
}
