package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected Black Magic Probes",
	Long: `Scan the USB bus and list every connected Black Magic Probe, including
probes sitting in a bootloader waiting for firmware.

Examples:
  bmputil list
  bmputil list -v        # include USB topology details`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	scanner := probe.NewScanner()
	defer scanner.Close()

	probes, err := scanner.Scan()
	if err != nil {
		return err
	}
	if warns := scanner.Warnings(); warns != nil {
		log.Warnf("some devices could not be read: %v", warns)
	}
	if len(probes) == 0 {
		fmt.Println("No probes found")
		return nil
	}

	for i, p := range probes {
		fmt.Printf("%d: %s\n", i, p)
		if verbose {
			fmt.Printf("   port %s, %s bootloader\n", p.Port, p.Boot)
		}
	}
	return nil
}
