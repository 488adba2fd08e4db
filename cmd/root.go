package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pierbridge",
	Short: "Relay chat between Discord, IRC, Twitch and WebSocket piers",
	Long: "pierbridge connects to several chat networks and relays messages between " +
		"mapped channels according to a YAML configuration.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $PIERBRIDGE_CONFIG or ./pierbridge.yaml)")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the pierbridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	})
}
