package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackmagic-debug/bmputil/pkg/dfu"
	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

var detachCmd = &cobra.Command{
	Use:   "detach",
	Short: "Restart a probe into its bootloader",
	Long: `Ask an application-mode probe to reboot into its bootloader and wait for
it to re-enumerate. Useful for inspecting a probe before flashing, or for
handing it to another DFU tool.

Examples:
  bmputil detach
  bmputil detach --serial E2C0C4B6`,
	RunE: runDetach,
}

func init() {
	rootCmd.AddCommand(detachCmd)
	addProbeFlags(detachCmd)
}

func runDetach(cmd *cobra.Command, args []string) error {
	scanner := probe.NewScanner()
	defer scanner.Close()

	target, err := selectProbe(scanner)
	if err != nil {
		return err
	}
	if target.Mode == probe.ModeBootloader {
		fmt.Printf("%s is already in bootloader mode\n", target.Product)
		return nil
	}

	session := dfu.NewSession(target, dfu.Open, scanner.Scan, dfu.Options{})
	rebooted, err := session.Detach(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Probe re-enumerated as %s\n", rebooted)
	return nil
}
