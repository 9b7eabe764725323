package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	configPath = "./config/sepolia.yaml"
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "ap-userops",
		Short: "Submit ERC-4337 UserOperations through a pool of bundlers",
		Long: `Build, sign and submit UserOperations for a smart account.

Operations go to the first healthy bundler in the configured pool and fall back to a
direct transaction from the owner when every bundler fails (direct_fallback: true).

Bundler credentials are read from the environment or a .env file, e.g. PIMLICO_API_KEY
and ALCHEMY_API_KEY. The owner key is read from PRIVATE_KEY unless owner_key_env says
otherwise.`,
		SilenceUsage: true,
	}
)

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging and full result dumps")
}
