package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/blackmagic-debug/bmputil/pkg/fetch"
	"github.com/blackmagic-debug/bmputil/pkg/metadata"
)

var (
	bmdaVersion string
	bmdaOutput  string
)

var bmdaCmd = &cobra.Command{
	Use:   "bmda",
	Short: "Download the Black Magic Debug App for this host",
	Long: `Download the standalone Black Magic Debug App (BMDA) binary matching this
machine from a release that ships one, and write it to disk.

Examples:
  bmputil bmda                      # newest stable release with BMDA
  bmputil bmda --version v1.10.0
  bmputil bmda -o /usr/local/bin/blackmagic`,
	RunE: runBMDA,
}

func init() {
	rootCmd.AddCommand(bmdaCmd)
	bmdaCmd.Flags().StringVar(&bmdaVersion, "version", "", "exact release to download BMDA from")
	bmdaCmd.Flags().StringVarP(&bmdaOutput, "output", "o", "blackmagic", "output file")
}

// hostTarget maps the Go runtime identifiers onto the release index's
// OS/architecture spellings.
func hostTarget() (string, string, error) {
	var osName string
	switch runtime.GOOS {
	case "linux":
		osName = "linux"
	case "darwin":
		osName = "macos"
	case "windows":
		osName = "windows"
	default:
		return "", "", fmt.Errorf("no BMDA builds exist for %s", runtime.GOOS)
	}
	var arch string
	switch runtime.GOARCH {
	case "amd64":
		arch = "amd64"
	case "386":
		arch = "i386"
	case "arm64":
		arch = "aarch64"
	case "arm":
		arch = "aarch32"
	default:
		return "", "", fmt.Errorf("no BMDA builds exist for %s", runtime.GOARCH)
	}
	return osName, arch, nil
}

func runBMDA(cmd *cobra.Command, args []string) error {
	osName, arch, err := hostTarget()
	if err != nil {
		return err
	}

	dir, err := cacheDir()
	if err != nil {
		return err
	}
	store := metadata.NewStore(metadataURL(metadata.DefaultSource), dir, nil)
	index, err := store.Fetch(cmd.Context())
	if err != nil {
		return err
	}

	tag := bmdaVersion
	if tag == "" {
		if tag, err = newestWithBMDA(index); err != nil {
			return err
		}
	}
	release, ok := index.Releases[tag]
	if !ok {
		return fmt.Errorf("%w: index has no release %s", metadata.ErrNoMatchingRelease, tag)
	}
	if !release.IncludesBMDA {
		return fmt.Errorf("%w: release %s does not ship BMDA", metadata.ErrBMDAUnavailable, tag)
	}
	locator, err := release.Locator(osName, arch)
	if err != nil {
		return err
	}

	fmt.Printf("Downloading BMDA %s for %s/%s\n", tag, osName, arch)
	binary, err := fetch.New(nil).FetchMember(cmd.Context(), locator.URI, locator.FileName, locator.Digest)
	if err != nil {
		return err
	}
	if err := os.WriteFile(bmdaOutput, binary, 0o755); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%s)\n", bmdaOutput, humanize.IBytes(uint64(len(binary))))
	return nil
}

// newestWithBMDA finds the newest release that ships BMDA builds.
func newestWithBMDA(index *metadata.ReleaseIndex) (string, error) {
	tags := sortedTags(index)
	for i := len(tags) - 1; i >= 0; i-- {
		release := index.Releases[tags[i]]
		if release.IncludesBMDA {
			return tags[i], nil
		}
	}
	return "", fmt.Errorf("%w: no release in the index ships BMDA", metadata.ErrBMDAUnavailable)
}
