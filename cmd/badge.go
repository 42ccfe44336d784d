package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"badgexfer/internal/link/ble"

	"github.com/spf13/cobra"
)

var (
	badgeTimeAt     string
	badgeLightEvery time.Duration
	badgeLightCount int
)

// badgeCmd groups the commands that drive the badge hardware over BLE
var badgeCmd = &cobra.Command{
	Use:   "badge",
	Short: "Control the badge clock, motor, LEDs and light sensor over BLE",
}

var badgeTimeCmd = &cobra.Command{
	Use:   "time",
	Short: "Set the badge clock to now, or to --at",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		at := time.Now()
		if badgeTimeAt != "" {
			var err error
			if at, err = time.Parse(time.RFC3339, badgeTimeAt); err != nil {
				return fmt.Errorf("invalid --at time: %w", err)
			}
		}
		return withControl(func(c *ble.Control) error {
			if err := c.SetTime(at); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Badge clock set to %s\n", at.Format(time.RFC3339))
			return nil
		})
	},
}

var badgeVibrateCmd = &cobra.Command{
	Use:   "vibrate <duration>",
	Short: "Run the vibration motor, e.g. 300ms",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseVibration(args[0])
		if err != nil {
			return err
		}
		return withControl(func(c *ble.Control) error { return c.Vibrate(d) })
	},
}

var badgeRocketsCmd = &cobra.Command{
	Use:   "rockets <left> <middle> <right>",
	Short: "Set the rocket LEDs, each 0 to 31",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rockets, err := parseRockets(args)
		if err != nil {
			return err
		}
		return withControl(func(c *ble.Control) error { return c.SetRockets(rockets) })
	},
}

var badgeLEDsCmd = &cobra.Command{
	Use:   "leds <color>...",
	Short: "Set the LEDs above the display",
	Long: `Set the 11 LEDs above the display, left to right. Give one color for all
of them, 11 colors, "off" or "random". Colors are written as rrggbb.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		leds, err := parseAboveLEDs(args)
		if err != nil {
			return err
		}
		return withControl(func(c *ble.Control) error { return c.SetLEDs(leds) })
	},
}

var badgeLEDCmd = &cobra.Command{
	Use:   "led <index> <color>",
	Short: "Set a single LED, 0-10 above the display, 11-14 background",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid LED index %q", args[0])
		}
		color, err := ble.ParseRGB(args[1])
		if err != nil {
			return err
		}
		return withControl(func(c *ble.Control) error { return c.SetLED(index, color) })
	},
}

var badgeBackgroundCmd = &cobra.Command{
	Use:   "background <top-left> <top-right> <bottom-right> <bottom-left>",
	Short: "Set the four background LEDs",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		var colors [4]ble.RGB
		for i, a := range args {
			c, err := ble.ParseRGB(a)
			if err != nil {
				return err
			}
			colors[i] = c
		}
		return withControl(func(c *ble.Control) error {
			return c.SetBackground(ble.Background{
				TopLeft:     colors[0],
				TopRight:    colors[1],
				BottomRight: colors[2],
				BottomLeft:  colors[3],
			})
		})
	},
}

var badgeDimCmd = &cobra.Command{
	Use:   "dim <top|bottom> <level>",
	Short: "Set the brightness level of the top or bottom LEDs, 1 to 8",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var which ble.Dimmer
		switch strings.ToLower(args[0]) {
		case "top":
			which = ble.DimTop
		case "bottom":
			which = ble.DimBottom
		default:
			return fmt.Errorf("dim group must be top or bottom, got %q", args[0])
		}
		level, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid dim level %q", args[1])
		}
		return withControl(func(c *ble.Control) error { return c.SetDim(which, level) })
	},
}

var badgeLightCmd = &cobra.Command{
	Use:   "light",
	Short: "Read the ambient light sensor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := createContext()
		return withControlContext(ctx, func(c *ble.Control) error {
			for i := 0; badgeLightCount <= 0 || i < badgeLightCount; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(badgeLightEvery):
					}
				}
				v, err := c.ReadLightSensor()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		})
	},
}

func withControl(fn func(*ble.Control) error) error {
	return withControlContext(createContext(), fn)
}

// withControlContext connects over BLE whatever --link says, since the
// card10 service only exists there.
func withControlContext(ctx context.Context, fn func(*ble.Control) error) error {
	l, err := ble.Connect(ctx, ble.Options{
		NamePrefix:  cfg.BLE.NamePrefix,
		Address:     cfg.BLE.Address,
		ScanTimeout: cfg.BLE.ScanTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to badge: %w", err)
	}
	defer closeLink(l)

	c, err := l.Control()
	if err != nil {
		return err
	}
	return fn(c)
}

func parseVibration(s string) (time.Duration, error) {
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid vibration duration %q", s)
	}
	return d, nil
}

func parseRockets(args []string) ([3]uint8, error) {
	var rockets [3]uint8
	for i, a := range args {
		v, err := strconv.ParseUint(a, 10, 8)
		if err != nil || v > ble.MaxRocket {
			return rockets, fmt.Errorf("rocket brightness must be 0 to %d, got %q", ble.MaxRocket, a)
		}
		rockets[i] = uint8(v)
	}
	return rockets, nil
}

func parseAboveLEDs(args []string) ([ble.AboveLEDCount]ble.RGB, error) {
	var leds [ble.AboveLEDCount]ble.RGB
	switch {
	case len(args) == 1 && strings.EqualFold(args[0], "random"):
		for i := range leds {
			leds[i] = ble.RandomRGB()
		}
	case len(args) == 1:
		c, err := ble.ParseRGB(args[0])
		if err != nil {
			return leds, err
		}
		for i := range leds {
			leds[i] = c
		}
	case len(args) == ble.AboveLEDCount:
		for i, a := range args {
			c, err := ble.ParseRGB(a)
			if err != nil {
				return leds, err
			}
			leds[i] = c
		}
	default:
		return leds, fmt.Errorf("give 1 or %d colors, got %d", ble.AboveLEDCount, len(args))
	}
	return leds, nil
}

func init() {
	rootCmd.AddCommand(badgeCmd)
	badgeCmd.AddCommand(badgeTimeCmd, badgeVibrateCmd, badgeRocketsCmd, badgeLEDsCmd,
		badgeLEDCmd, badgeBackgroundCmd, badgeDimCmd, badgeLightCmd)

	badgeTimeCmd.Flags().StringVar(&badgeTimeAt, "at", "", "RFC 3339 time to set instead of now")
	badgeLightCmd.Flags().DurationVar(&badgeLightEvery, "every", time.Second, "Interval between readings")
	badgeLightCmd.Flags().IntVar(&badgeLightCount, "count", 1, "Number of readings, 0 reads until interrupted")
}
