package cmd

import (
	"fmt"
	"os"

	"badgexfer/internal/app"
	"badgexfer/internal/hatchery"
	"badgexfer/internal/ui"

	"github.com/spf13/cobra"
)

var hatcheryDryRun bool

// hatcheryCmd groups the app store commands
var hatcheryCmd = &cobra.Command{
	Use:   "hatchery",
	Short: "Browse and install apps from the badge.team hatchery",
}

var hatcheryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List card10 apps by category",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := hatchery.NewClient(cfg.Hatchery.BaseURL, cfg.Hatchery.Timeout)
		if err != nil {
			return err
		}
		categories, err := client.ListEggs(createContext())
		if err != nil {
			return err
		}
		ui.NewConsoleUI(cmd.OutOrStdout()).ShowEggs(categories)
		return nil
	},
}

var hatcheryInstallCmd = &cobra.Command{
	Use:   "install <slug>",
	Short: "Download an app and send it to the badge",
	Long: `Download the current release of an app and send its files to the badge
below apps/<app>. The upload stops at the first file the badge rejects.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := createContext()
		client, err := hatchery.NewClient(cfg.Hatchery.BaseURL, cfg.Hatchery.Timeout)
		if err != nil {
			return err
		}

		categories, err := client.ListEggs(ctx)
		if err != nil {
			return err
		}
		egg, ok := hatchery.Find(categories, args[0])
		if !ok {
			return fmt.Errorf("no app %q in the hatchery", args[0])
		}

		items, err := client.Install(ctx, egg)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("release of %s contains no files", egg.Slug)
		}

		console := ui.NewConsoleUI(os.Stderr)
		if hatcheryDryRun {
			console.ShowItems(items)
			return nil
		}

		l, err := openBadgeLink(ctx, cfg.Link.Kind)
		if err != nil {
			return fmt.Errorf("failed to connect to badge: %w", err)
		}
		defer closeLink(l)

		console.ShowMessage(fmt.Sprintf("Installing %s revision %s", egg.Name, egg.Revision))
		return app.NewSenderApp(cfg, l, os.Stderr).SendItems(ctx, items)
	},
}

func init() {
	rootCmd.AddCommand(hatcheryCmd)
	hatcheryCmd.AddCommand(hatcheryListCmd, hatcheryInstallCmd)

	hatcheryInstallCmd.Flags().BoolVar(&hatcheryDryRun, "dry-run", false, "Only download and list the files")
}
