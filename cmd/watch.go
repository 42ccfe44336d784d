package cmd

import (
	"fmt"
	"os"

	"badgexfer/internal/app"
	"badgexfer/internal/watch"

	"github.com/spf13/cobra"
)

type WatchFlags struct {
	Prefix   string
	Existing bool
}

var watchFlags WatchFlags

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Send files to the badge whenever they change",
	Long: `Watch a directory and send every new or modified file to the badge,
one at a time. Dot files and subdirectories are ignored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", args[0])
		}

		ctx := createContext()
		l, err := openBadgeLink(ctx, cfg.Link.Kind)
		if err != nil {
			return fmt.Errorf("failed to connect to badge: %w", err)
		}
		defer closeLink(l)

		senderApp := app.NewSenderApp(cfg, l, os.Stderr)
		w := watch.New(watch.Options{
			Dir:      args[0],
			Prefix:   watchFlags.Prefix,
			Existing: watchFlags.Existing,
		}, senderApp)
		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVarP(&watchFlags.Prefix, "prefix", "p", "", "Directory on the badge to send into")
	watchCmd.Flags().BoolVar(&watchFlags.Existing, "existing", false, "Also send the files already in the directory")
}
