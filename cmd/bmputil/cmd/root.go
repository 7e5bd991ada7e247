package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global flags
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "bmputil",
	Short: "Black Magic Probe firmware manager",
	Long: `Manage the firmware on Black Magic Probe USB debug probes: list connected
probes, identify what they run, and flash official releases or local builds.

Examples:
  bmputil list                             # Show all connected probes
  bmputil info                             # Identify a probe's firmware
  bmputil switch                           # Guided switch to the latest release
  bmputil switch --version v1.10.0         # Switch to a specific release
  bmputil flash blackmagic-native.elf      # Flash a local firmware build`,
	Version:           "1.0.0",
	PersistentPreRunE: setup,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("metadata-url", "", "release index URL")
	rootCmd.PersistentFlags().String("cache-dir", "", "release index cache directory")

	viper.SetEnvPrefix("BMPUTIL")
	viper.AutomaticEnv()
	viper.BindPFlag("metadata-url", rootCmd.PersistentFlags().Lookup("metadata-url"))
	viper.BindPFlag("cache-dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
}

func setup(cmd *cobra.Command, args []string) error {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	return nil
}

// metadataURL resolves the release index source from flag, environment or
// the built-in default.
func metadataURL(fallback string) string {
	if url := viper.GetString("metadata-url"); url != "" {
		return url
	}
	return fallback
}

// cacheDir resolves where the release index cache lives.
func cacheDir() (string, error) {
	if dir := viper.GetString("cache-dir"); dir != "" {
		return dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating cache directory: %w", err)
	}
	return filepath.Join(base, "bmputil"), nil
}
