package cmd

import (
	"fmt"
	"io"
	"math/big"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/k0kubun/pp/v3"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/config"
	"github.com/AvaProtocol/ap-userops/pkg/byte4"
	"github.com/AvaProtocol/ap-userops/pkg/erc20"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

const nativeDecimals = 18

// dump pretty prints v in full when --verbose is set.
func dump(w io.Writer, v interface{}) {
	if !verbose {
		return
	}
	printer := pp.New()
	printer.SetColoringEnabled(false)
	printer.Fprintln(w, v)
}

func printResult(w io.Writer, chainID *big.Int, res *preset.Result) {
	if res == nil {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Path:\t%s\n", res.Path)
	if res.Path == userop.PathDirect {
		fmt.Fprintf(tw, "Transaction:\t%s\n", res.OperationHash.Hex())
	} else {
		fmt.Fprintf(tw, "UserOp hash:\t%s\n", res.OperationHash.Hex())
	}
	if res.Operation != nil {
		fmt.Fprintf(tw, "Sender:\t%s\n", res.Operation.Sender.Hex())
		fmt.Fprintf(tw, "Nonce:\t%s\n", res.Operation.Nonce)
		for i, call := range describeCalls(res.Operation.CallData) {
			fmt.Fprintf(tw, "Call %d:\t%s\n", i+1, call)
		}
	}
	tw.Flush()

	if res.Receipt != nil {
		printReceipt(w, chainID, res.Receipt)
	} else {
		fmt.Fprintln(w, "Receipt: not waited for")
	}
	dump(w, res)
}

// describeCalls lists the inner calls of an execute or executeBatch calldata.
func describeCalls(callData []byte) []string {
	targets, values, datas, err := aa.UnpackExecuteBatch(callData)
	if err != nil {
		target, value, data, err := aa.UnpackExecute(callData)
		if err != nil {
			return []string{byte4.Describe(callData, aa.AccountABI)}
		}
		targets, values, datas = []common.Address{target}, []*big.Int{value}, [][]byte{data}
	}

	calls := make([]string, len(targets))
	for i := range targets {
		calls[i] = fmt.Sprintf("%s %s value %s", targets[i].Hex(), byte4.Describe(datas[i], erc20.ABI), values[i])
	}
	return calls
}

func printReceipt(w io.Writer, chainID *big.Int, r *userop.Receipt) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Tx hash:\t%s\n", r.TransactionHash.Hex())
	fmt.Fprintf(tw, "Block:\t%d\n", r.BlockNumber)
	fmt.Fprintf(tw, "Success:\t%t\n", r.Success)
	if r.FailureReason != "" {
		fmt.Fprintf(tw, "Reason:\t%s\n", r.FailureReason)
	}
	if r.Sponsor != nil {
		fmt.Fprintf(tw, "Sponsor:\t%s\n", r.Sponsor.Hex())
	}
	if r.GasUsed != nil {
		fmt.Fprintf(tw, "Gas used:\t%s\n", r.GasUsed)
	}
	if r.GasCost != nil {
		fmt.Fprintf(tw, "Gas cost:\t%s ETH\n", erc20.FormatAmount(r.GasCost, nativeDecimals))
	}
	if link := config.TxURL(chainID, r.TransactionHash); link != "" {
		fmt.Fprintf(tw, "Explorer:\t%s\n", link)
	}
	tw.Flush()
}
