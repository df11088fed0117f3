package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kasegi",
	Short: "Profit-driven GPU mining orchestrator",
	Long: `Kasegi keeps a fleet of GPUs on their most profitable coin. It
ranks candidate assignments from live market data, switches devices only
past a profit margin and cooldown, and supervises the external miner
processes doing the work.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "kasegi.yaml", "config file path")
}
