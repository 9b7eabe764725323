package cmd

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userops/core/config"
	"github.com/AvaProtocol/ap-userops/pkg/erc20"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/preset"
)

type transferOptions struct {
	token     string
	to        []string
	amounts   []string
	decimals  int32
	salt      int64
	sender    string
	sponsored bool
	wait      bool
}

var (
	transferOpts transferOptions
	batchOpts    transferOptions

	transferCmd = &cobra.Command{
		Use:   "transfer",
		Short: "Send one transfer from the smart account",
		Long: `Send ETH or an ERC20 token from the owner's smart account.

The account is counterfactual until its first operation; that operation deploys it.

  ap-userops transfer --token 0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238 --to 0x... --amount 1.5 --decimals 6 --sponsored
  ap-userops transfer --token ETH --to 0x... --amount 0.001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(transferOpts.to) > 1 || len(transferOpts.amounts) > 1 {
				return fmt.Errorf("transfer takes a single --to and --amount, use batch for several")
			}
			return runTransfer(cmd, transferOpts)
		},
	}

	batchCmd = &cobra.Command{
		Use:   "batch",
		Short: "Send several transfers in one operation",
		Long: `Send several transfers of the same token in a single executeBatch operation.
Recipients and amounts are paired by position.

  ap-userops batch --token ETH --to 0xA...,0xB... --amount 0.001,0.002`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(cmd, batchOpts)
		},
	}
)

// transferCalls pairs recipients with amounts and encodes one call per transfer.
func transferCalls(token string, recipients, amounts []string, decimals int32) ([]preset.Call, error) {
	if len(recipients) == 0 || len(recipients) != len(amounts) {
		return nil, fmt.Errorf("%w: %d recipients and %d amounts", preset.ErrInvalidBatch, len(recipients), len(amounts))
	}

	addrs, err := config.ParseAddresses(recipients)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(token, erc20.NativeToken) {
		decimals = nativeDecimals
	}

	calls := make([]preset.Call, 0, len(addrs))
	for i, to := range addrs {
		amount, err := erc20.ParseAmount(amounts[i], decimals)
		if err != nil {
			return nil, err
		}
		t := erc20.Transfer{Token: token, Recipient: to, Amount: amount}
		target, value, data, err := t.Encode()
		if err != nil {
			return nil, err
		}
		calls = append(calls, preset.Call{Target: target, Value: value, Data: data})
	}
	return calls, nil
}

func runTransfer(cmd *cobra.Command, opts transferOptions) error {
	calls, err := transferCalls(opts.token, opts.to, opts.amounts, opts.decimals)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.cfg.RequireOwnerKey()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	relayer, err := a.newRelayer(ctx, key, !opts.wait)
	if err != nil {
		return err
	}

	req := preset.BuildRequest{
		Account:   a.ownerAccount(key, saltFlag(cmd, opts.salt)),
		Calls:     calls,
		Sponsored: opts.sponsored,
	}
	if opts.sender != "" {
		if !common.IsHexAddress(opts.sender) {
			return fmt.Errorf("invalid sender address: %s", opts.sender)
		}
		sender := common.HexToAddress(opts.sender)
		req.Account.Sender = &sender
	}

	res, err := relayer.Send(ctx, req)
	printResult(cmd.OutOrStdout(), a.chainID, res)
	if err != nil {
		if errors.Is(err, preset.ErrReceiptTimeout) {
			fmt.Fprintln(cmd.OutOrStdout(), "The operation was accepted but not included yet; check it later with the receipt command.")
		}
		return err
	}
	if res.Receipt != nil && !res.Receipt.Success {
		return fmt.Errorf("operation was included but reverted: %s", res.Receipt.FailureReason)
	}
	return nil
}

// saltFlag returns nil when --salt was not given so the configured salt applies.
func saltFlag(cmd *cobra.Command, salt int64) *big.Int {
	if !cmd.Flags().Changed("salt") {
		return nil
	}
	return big.NewInt(salt)
}

func addTransferFlags(cmd *cobra.Command, opts *transferOptions, batch bool) {
	cmd.Flags().StringVar(&opts.token, "token", erc20.NativeToken, "Token contract address, or ETH")
	if batch {
		cmd.Flags().StringSliceVar(&opts.to, "to", nil, "Comma separated recipient addresses")
		cmd.Flags().StringSliceVar(&opts.amounts, "amount", nil, "Comma separated amounts, one per recipient")
	} else {
		cmd.Flags().StringArrayVar(&opts.to, "to", nil, "Recipient address")
		cmd.Flags().StringArrayVar(&opts.amounts, "amount", nil, "Amount in token units, e.g. 1.5")
	}
	cmd.Flags().Int32Var(&opts.decimals, "decimals", 18, "Token decimals")
	cmd.Flags().Int64Var(&opts.salt, "salt", 0, "Account salt (defaults to account_salt in the config)")
	cmd.Flags().StringVar(&opts.sender, "sender", "", "Use this smart account instead of the factory address")
	cmd.Flags().BoolVar(&opts.sponsored, "sponsored", false, "Have the configured paymaster pay for gas")
	cmd.Flags().BoolVar(&opts.wait, "wait", true, "Wait for the receipt")

	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
}

func init() {
	addTransferFlags(transferCmd, &transferOpts, false)
	addTransferFlags(batchCmd, &batchOpts, true)
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(batchCmd)
}
