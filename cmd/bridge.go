package cmd

import (
	"fmt"

	"badgexfer/internal/app"
	"badgexfer/internal/config"

	"github.com/spf13/cobra"
)

var bridgeCode string

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Relay a remote sender to the local badge",
	Long: `Answer a WebRTC session from a remote "badgexfer send --link webrtc"
and relay its packets to the badge on the local link (--link ble or serial).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Link.Kind == config.LinkWebRTC {
			return fmt.Errorf("bridge needs a local badge link, not webrtc")
		}

		ctx := createContext()
		badge, err := openBadgeLink(ctx, cfg.Link.Kind)
		if err != nil {
			return fmt.Errorf("failed to connect to badge: %w", err)
		}
		defer closeLink(badge)

		remote, err := openWebRTC(ctx, roleAnswer, bridgeCode)
		if err != nil {
			return fmt.Errorf("failed to connect to sender: %w", err)
		}
		defer closeLink(remote)

		return app.Bridge(ctx, remote, badge)
	},
}

func init() {
	rootCmd.AddCommand(bridgeCmd)

	bridgeCmd.Flags().StringVarP(&bridgeCode, "code", "c", "", "Session code from the sender")
}
