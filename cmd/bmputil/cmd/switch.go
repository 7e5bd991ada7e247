package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackmagic-debug/bmputil/pkg/dfu"
	"github.com/blackmagic-debug/bmputil/pkg/fetch"
	"github.com/blackmagic-debug/bmputil/pkg/metadata"
	"github.com/blackmagic-debug/bmputil/pkg/probe"
	"github.com/blackmagic-debug/bmputil/pkg/switcher"
)

var (
	switchVersion  string
	switchRC       bool
	switchPlatform string
	switchVariant  string
	switchForce    bool
	switchYes      bool
)

var switchCmd = &cobra.Command{
	Use:   "switch",
	Short: "Switch a probe to an official firmware release",
	Long: `Guided firmware switch: identify the connected probe, resolve the wanted
release from the official release index, download and verify the firmware,
and flash it.

By default the newest stable release for the probe's own platform is used.
A probe whose platform cannot be determined (for example one stuck in its
bootloader with erased flash) needs --platform.

Examples:
  bmputil switch
  bmputil switch --version v1.10.0
  bmputil switch --rc                   # admit release candidates
  bmputil switch --platform native      # probe cannot identify itself
  bmputil switch --variant common --yes`,
	RunE: runSwitch,
}

func init() {
	rootCmd.AddCommand(switchCmd)
	addProbeFlags(switchCmd)
	switchCmd.Flags().StringVar(&switchVersion, "version", "", "exact release to switch to (e.g. v1.10.0)")
	switchCmd.Flags().BoolVar(&switchRC, "rc", false, "admit release candidates when resolving the latest release")
	switchCmd.Flags().StringVarP(&switchPlatform, "platform", "p", "", "target platform (required when the probe cannot be identified)")
	switchCmd.Flags().StringVar(&switchVariant, "variant", "", "firmware build variant (e.g. full, common)")
	switchCmd.Flags().BoolVarP(&switchForce, "force", "f", false, "flash even when the probe already runs the resolved release")
	switchCmd.Flags().BoolVarP(&switchYes, "yes", "y", false, "do not ask for confirmation")
}

func runSwitch(cmd *cobra.Command, args []string) error {
	request := switcher.Request{
		Matcher: probeMatcher(),
		Variant: switchVariant,
		Force:   switchForce,
	}
	if switchVersion != "" {
		request.Selector.Exact = switchVersion
	} else if switchRC {
		request.Selector.Channel = metadata.ChannelCandidate
	}
	if switchPlatform != "" {
		platform, err := probe.ParsePlatform(switchPlatform)
		if err != nil {
			return err
		}
		request.Platform = platform
		request.PlatformSet = true
	}

	dir, err := cacheDir()
	if err != nil {
		return err
	}
	scanner := probe.NewScanner()
	defer scanner.Close()

	workflow := &switcher.Workflow{
		Scan:     scanner.Scan,
		Store:    metadata.NewStore(metadataURL(metadata.DefaultSource), dir, nil),
		Fetcher:  fetch.New(nil),
		Open:     dfu.Open,
		Interact: prompter{assumeYes: switchYes},
		Options:  dfu.Options{VerifyAfterProgram: true, Progress: printProgress},
	}

	outcome, err := workflow.Run(cmd.Context(), request)
	if errors.Is(err, switcher.ErrCancelled) {
		fmt.Println("Cancelled")
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case outcome.AlreadyCurrent:
		fmt.Printf("Probe already runs %s, nothing to do (use --force to reflash)\n", outcome.Tag)
	case outcome.ResetFailed:
		fmt.Printf("\nFlashed %s, but the probe needs a manual unplug/replug to restart\n", outcome.Tag)
	case outcome.AfterKnown:
		fmt.Printf("\nProbe now runs %s\n", outcome.After)
	default:
		fmt.Printf("\nFlashed %s, but the probe has not reappeared in application mode; "+
			"unplug and replug it\n", outcome.Tag)
	}
	return nil
}
