package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackmagic-debug/bmputil/pkg/dfu"
	"github.com/blackmagic-debug/bmputil/pkg/firmware"
	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Identify a probe's firmware",
	Long: `Show the platform and firmware version of a connected probe.

In application mode the probe reports this itself. A probe stuck in its
bootloader gets its flash read back over DFU and searched for the firmware's
identification string instead.

Examples:
  bmputil info
  bmputil info --serial E2C0C4B6`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	addProbeFlags(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	scanner := probe.NewScanner()
	defer scanner.Close()

	target, err := selectProbe(scanner)
	if err != nil {
		return err
	}
	fmt.Printf("Probe: %s\n", target)

	if target.Mode == probe.ModeApplication {
		identity, err := target.Identity()
		if err != nil {
			return fmt.Errorf("identifying probe: %w", err)
		}
		fmt.Printf("Platform: %s\n", identity.Platform)
		printVersion(identity)
		return nil
	}

	fmt.Printf("Bootloader: %s\n", target.Boot)
	address, err := firmware.LoadAddress(target.Boot, firmware.TypeApplication)
	if err != nil {
		return err
	}
	session := dfu.NewSession(target, dfu.Open, scanner.Scan, dfu.Options{})
	data, err := session.ReadImage(cmd.Context(), address, 64*1024)
	if err != nil {
		return fmt.Errorf("reading firmware back for identification: %w", err)
	}
	identity, ok := firmware.Identify(data)
	if !ok {
		fmt.Println("Firmware: not identifiable (flash erased or corrupt)")
		return nil
	}
	fmt.Printf("Platform: %s\n", identity.Platform)
	printVersion(identity)
	return nil
}

func printVersion(id probe.Identity) {
	switch id.Version.Class {
	case probe.VersionUnknown:
		fmt.Println("Version: unknown (firmware predates version reporting)")
	case probe.VersionGitHash:
		fmt.Printf("Version: development build g%s\n", id.Version.Hash)
	default:
		fmt.Printf("Version: %s\n", id.Version)
	}
}
