package cmd

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blackmagic-debug/bmputil/pkg/metadata"
	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

var (
	releasesPlatform string
	releasesOffline  bool
)

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "List available firmware releases",
	Long: `Fetch the release index and list the published firmware releases, newest
last. With --platform, only releases shipping firmware for that platform are
shown, along with their build variants.

Examples:
  bmputil releases
  bmputil releases --platform native
  bmputil releases --offline      # use the cached index without network`,
	RunE: runReleases,
}

func init() {
	rootCmd.AddCommand(releasesCmd)
	releasesCmd.Flags().StringVarP(&releasesPlatform, "platform", "p", "", "only show releases for this platform")
	releasesCmd.Flags().BoolVar(&releasesOffline, "offline", false, "use the cached release index without refreshing")
}

func runReleases(cmd *cobra.Command, args []string) error {
	dir, err := cacheDir()
	if err != nil {
		return err
	}
	store := metadata.NewStore(metadataURL(metadata.DefaultSource), dir, nil)

	var index *metadata.ReleaseIndex
	if releasesOffline {
		index, err = store.LoadCached()
	} else {
		index, err = store.Fetch(cmd.Context())
	}
	if err != nil {
		return err
	}
	if index.Stale && !releasesOffline {
		log.Warn("release index could not be refreshed, listing cached releases")
	}

	var platform probe.Platform
	if releasesPlatform != "" {
		if platform, err = probe.ParsePlatform(releasesPlatform); err != nil {
			return err
		}
	}

	for _, tag := range sortedTags(index) {
		release := index.Releases[tag]
		if releasesPlatform == "" {
			extras := ""
			if release.IncludesBMDA {
				extras = " (with BMDA)"
			}
			fmt.Printf("%s: firmware for %d platforms%s\n", tag, len(release.Firmware), extras)
			continue
		}
		variants, ok := release.Firmware[platform]
		if !ok {
			continue
		}
		names := make([]string, 0, len(variants))
		for name := range variants {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("%s: %s\n", tag, strings.Join(names, ", "))
	}
	return nil
}
