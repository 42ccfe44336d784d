package cmd

import (
	"fmt"
	"os"

	"badgexfer/internal/app"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type SendFlags struct {
	Name   string
	Prefix string
}

var sendFlags SendFlags

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <file|dir>...",
	Short: "Send files to the badge",
	Long: `Send one or more files to the badge. This will:

1. Connect to the badge over the configured link
2. Send every file in order, each in acknowledged 20 byte chunks
3. Stop at the first file the badge does not accept

Directories are sent recursively, skipping dot files. Use --prefix to place
the files below a directory on the badge and --name to rename a single file.`,
	Args: cobra.MinimumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateSendFlags(&sendFlags, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runSenderApp(&sendFlags, args); err != nil {
			return fmt.Errorf("sender failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	// Define flags with struct binding
	sendCmd.Flags().StringVarP(&sendFlags.Name, "name", "n", "", "Path on the badge for a single file")
	sendCmd.Flags().StringVarP(&sendFlags.Prefix, "prefix", "p", "", "Directory on the badge to send into")

	// Bind flags to viper for environment variable support
	_ = viper.BindPFlag("send.prefix", sendCmd.Flags().Lookup("prefix"))
}

// validateSendFlags validates the send command flags
func validateSendFlags(flags *SendFlags, args []string) error {
	if flags.Name != "" && len(args) != 1 {
		return fmt.Errorf("--name needs exactly one file")
	}
	if flags.Prefix == "" {
		flags.Prefix = viper.GetString("send.prefix")
	}
	return nil
}

// runSenderApp creates and runs the sender application
func runSenderApp(flags *SendFlags, paths []string) error {
	ctx := createContext()

	opts := &app.SenderOptions{
		Paths:  paths,
		Name:   flags.Name,
		Prefix: flags.Prefix,
	}
	// Read the files before touching the radio.
	items, err := app.CollectItems(opts)
	if err != nil {
		return err
	}

	l, err := openBadgeLink(ctx, cfg.Link.Kind)
	if err != nil {
		return fmt.Errorf("failed to connect to badge: %w", err)
	}
	defer closeLink(l)

	senderApp := app.NewSenderApp(cfg, l, os.Stderr)
	return senderApp.SendItems(ctx, items)
}
