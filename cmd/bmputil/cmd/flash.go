package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/blackmagic-debug/bmputil/pkg/dfu"
	"github.com/blackmagic-debug/bmputil/pkg/firmware"
	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

var (
	flashAddress  uint32
	flashNoVerify bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <firmware file>",
	Short: "Flash a local firmware build onto a probe",
	Long: `Flash an ELF or raw binary firmware image onto a connected probe.

The image's load address is worked out from its vector table: full-flash
images (which include a bootloader) go to the start of flash, application
builds go above the bootloader. --address overrides this for unusual builds.

Examples:
  bmputil flash blackmagic-native-v1_10_0.elf
  bmputil flash --serial E2C0C4B6 firmware.bin
  bmputil flash --address 0x08002000 custom.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	addProbeFlags(flashCmd)
	flashCmd.Flags().Uint32Var(&flashAddress, "address", 0, "override the flash load address")
	flashCmd.Flags().BoolVar(&flashNoVerify, "no-verify", false, "skip reading the flash back after programming")
}

func runFlash(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	image, err := firmware.Load(data)
	if err != nil {
		return fmt.Errorf("loading %s: %w", args[0], err)
	}

	scanner := probe.NewScanner()
	defer scanner.Close()
	target, err := selectProbe(scanner)
	if err != nil {
		return err
	}

	address := flashAddress
	if address == 0 {
		typ, err := firmware.DetectType(image)
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", args[0], err)
		}
		if address, err = firmware.LoadAddress(target.Boot, typ); err != nil {
			return err
		}
		if image.HasBase && image.Base != address {
			return fmt.Errorf("image linked at %#x but the probe expects %s firmware at %#x",
				image.Base, typ, address)
		}
	}

	fmt.Printf("Flashing %s (%s) to %s at %#x\n",
		args[0], humanize.IBytes(uint64(len(image.Data))), target.Product, address)

	session := dfu.NewSession(target, dfu.Open, scanner.Scan, dfu.Options{
		VerifyAfterProgram: !flashNoVerify,
		Progress:           printProgress,
	})
	if err := session.Flash(cmd.Context(), image, address); err != nil {
		return err
	}
	fmt.Println("\nDone")
	return nil
}

// printProgress renders a single-line progress indicator per phase.
func printProgress(p dfu.Progress) {
	if p.Total == 0 {
		fmt.Printf("\n%s...", p.Phase)
		return
	}
	fmt.Printf("\r%s: %d/%d", p.Phase, p.Done, p.Total)
}
