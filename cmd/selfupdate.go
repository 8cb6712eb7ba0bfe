package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"
)

const updateRepo = "fenwick-labs/mcp-chat"

// newSelfUpdateCmd creates the selfupdate subcommand
func newSelfUpdateCmd() *cobra.Command {
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "selfupdate",
		Short: "Update mcp-chat to the latest release",
		Long:  `Checks GitHub for a newer release of mcp-chat and replaces the current binary with it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(updateRepo))
			if err != nil {
				return fmt.Errorf("failed to detect latest version: %w", err)
			}
			if !found {
				return fmt.Errorf("no release found for %s/%s", runtime.GOOS, runtime.GOARCH)
			}

			if latest.LessOrEqual(version) {
				fmt.Printf("Current version %s is the latest\n", version)
				return nil
			}

			if checkOnly {
				fmt.Printf("Version %s is available (current: %s)\n", latest.Version(), version)
				return nil
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("could not locate executable: %w", err)
			}

			fmt.Printf("Updating from %s to %s...\n", version, latest.Version())
			if err := selfupdate.UpdateTo(ctx, latest.AssetURL, latest.AssetName, exe); err != nil {
				return fmt.Errorf("update failed: %w", err)
			}

			fmt.Printf("Successfully updated to version %s\n", latest.Version())
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "Only check for a newer version, do not install it")
	return cmd
}
