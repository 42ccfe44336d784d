package cmd

import (
	"fmt"
	"os"

	"badgexfer/internal/app"
	"badgexfer/internal/transfer"
	"badgexfer/internal/ui"
	"badgexfer/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type ReceiveFlags struct {
	DstPath     string
	Code        string
	Count       int
	MaxFileSize int
}

var receiveFlags ReceiveFlags

// receiveCmd represents the receive command
var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Play the badge and store files a sender transfers",
	Long: `Receive files the way the badge does. This will:

1. Wait for a sender on the configured link (webrtc or serial)
2. Acknowledge every chunk and assemble each file
3. Save each finished file below --dst, keeping its badge path

Useful to test senders without hardware.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateReceiveFlags(&receiveFlags)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runReceiverApp(&receiveFlags); err != nil {
			return fmt.Errorf("receiver failed: %w", err)
		}
		return nil
	},
}

// validateReceiveFlags validates the receive command flags
func validateReceiveFlags(flags *ReceiveFlags) error {
	if flags.DstPath == "" {
		return fmt.Errorf("destination path is required")
	}
	if flags.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	if flags.Code != "" && !utils.IsValidCode(flags.Code) {
		return fmt.Errorf("invalid session code %q", flags.Code)
	}
	dst, err := utils.ResolveDestinationPath(flags.DstPath)
	if err != nil {
		return err
	}
	flags.DstPath = dst
	return nil
}

func init() {
	rootCmd.AddCommand(receiveCmd)

	// Define flags with struct binding
	receiveCmd.Flags().StringVarP(&receiveFlags.DstPath, "dst", "d", "", "Directory to save received files (required)")
	receiveCmd.Flags().StringVarP(&receiveFlags.Code, "code", "c", "", "Session code from the sender (webrtc with Firebase)")
	receiveCmd.Flags().IntVar(&receiveFlags.Count, "count", 0, "Exit after this many files (0 runs until interrupted)")
	receiveCmd.Flags().IntVar(&receiveFlags.MaxFileSize, "max-size", transfer.DefaultMaxFileSize, "Largest file accepted, in bytes")

	// Mark required flags
	_ = receiveCmd.MarkFlagRequired("dst")

	// Bind flags to viper for environment variable support
	_ = viper.BindPFlag("receive.dst", receiveCmd.Flags().Lookup("dst"))
}

// runReceiverApp creates and runs the receiver application
func runReceiverApp(flags *ReceiveFlags) error {
	ctx := createContext()

	store, err := transfer.NewDirStore(flags.DstPath)
	if err != nil {
		return err
	}

	l, err := openSenderLink(ctx, cfg.Link.Kind, flags.Code)
	if err != nil {
		return fmt.Errorf("failed to connect to sender: %w", err)
	}
	defer closeLink(l)

	console := ui.NewConsoleUI(os.Stderr)
	receiverApp := app.NewReceiverApp(l, store, console)
	n, err := receiverApp.Run(ctx, &app.ReceiverOptions{
		Count:       flags.Count,
		MaxFileSize: flags.MaxFileSize,
	})
	console.ShowMessage(fmt.Sprintf("Received %d files into %s", n, flags.DstPath))
	return err
}
