package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dayuer/pierbridge/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and channel mapping without connecting",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	m, err := cfg.Mapping()
	if err != nil {
		return err
	}
	if err := m.CheckAcyclic(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config: %s\n", path)
	fmt.Fprintln(out, "\nPiers:")
	for _, id := range cfg.PierIDs() {
		channels := m.ChannelsFor(id)
		if len(channels) == 0 {
			fmt.Fprintf(out, "  %s (%s): ⚠ not mapped\n", id, cfg.Piers[id].Type)
			continue
		}
		fmt.Fprintf(out, "  %s (%s): %v\n", id, cfg.Piers[id].Type, channels)
	}
	fmt.Fprintln(out, "\nRoutes:")
	for _, r := range m.Routes() {
		fmt.Fprintf(out, "  %s\n", r)
	}
	fmt.Fprintln(out, "\n✓ Configuration is valid")
	return nil
}
