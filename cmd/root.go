package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"badgexfer/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg      *config.Config
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "badgexfer",
	Short: "badgexfer - send files to a card10 badge",
	Long: `badgexfer copies files onto a card10 badge over its 20 byte file
transfer link.

Every file is announced with START, sent in acknowledged 20 byte chunks and
closed with FINISH. A chunk that is not acknowledged is retried up to nine
times before the transfer is abandoned.

Usage:
  Send files:             badgexfer send main.py lib/
  Install a hatchery app: badgexfer hatchery install blinky
  Keep a folder synced:   badgexfer watch ./app --prefix apps/app
  Blink the LEDs:         badgexfer badge leds random

The link is chosen with --link: ble (default), serial, webrtc or loopback.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(logLevel); err != nil {
			return err
		}

		// Initialize viper configuration
		initConfig()

		var err error
		cfg, err = config.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.badgexfer.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warning", "log level (trace, debug, info, warning, error)")
	rootCmd.PersistentFlags().String("link", config.LinkBLE, "link to the badge: ble, serial, webrtc or loopback")
	rootCmd.PersistentFlags().String("port", "", "serial port for --link serial")
	rootCmd.PersistentFlags().Bool("validate-ack", false, "check chunk acknowledgments against the chunk checksum")

	_ = viper.BindPFlag("link.kind", rootCmd.PersistentFlags().Lookup("link"))
	_ = viper.BindPFlag("serial.port", rootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("transfer.validate_ack", rootCmd.PersistentFlags().Lookup("validate-ack"))

	// Set up viper environment variable support
	viper.SetEnvPrefix("BADGEXFER")
	viper.SetEnvKeyReplacer(config.EnvKeyReplacer)
	viper.AutomaticEnv()
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			logrus.WithError(err).Warn("Could not find home directory")
			return
		}

		// Search config in home directory with name ".badgexfer" (without extension)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".badgexfer")
	}

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		logrus.WithField("file", viper.ConfigFileUsed()).Info("Using config file")
	}
}

// setupLogging configures the global logrus logger.
func setupLogging(level string) error {
	if env := os.Getenv("BADGEXFER_LOG_LEVEL"); env != "" && !rootCmd.PersistentFlags().Changed("log-level") {
		level = env
	}
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// createContext creates a context that cancels on interrupt signals
func createContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	return ctx
}
