package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackmagic-debug/bmputil/pkg/metadata"
	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

var (
	probeSerial string
	probePort   string
	probeIndex  int
)

// addProbeFlags registers the probe selection flags shared by every
// command that touches hardware.
func addProbeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&probeSerial, "serial", "s", "", "select the probe with this serial number")
	cmd.Flags().StringVar(&probePort, "port", "", "select the probe at this USB port path (e.g. 1-1.4)")
	cmd.Flags().IntVar(&probeIndex, "index", -1, "select the nth probe in scan order")
}

func probeMatcher() probe.Matcher {
	return probe.Matcher{Serial: probeSerial, Port: probePort, Index: probeIndex}
}

// selectProbe scans the bus and narrows the result to exactly one probe,
// prompting when the filters still leave a choice.
func selectProbe(scanner *probe.Scanner) (probe.Probe, error) {
	probes, err := scanner.Scan()
	if err != nil {
		return probe.Probe{}, err
	}
	probes = probeMatcher().Filter(probes)
	switch len(probes) {
	case 0:
		return probe.Probe{}, errors.New("no matching probe found")
	case 1:
		return probes[0], nil
	default:
		return promptProbe(probes)
	}
}

// prompter implements the switch workflow's interactive decisions on
// stdin/stdout.
type prompter struct {
	assumeYes bool
}

func (p prompter) SelectProbe(probes []probe.Probe) (probe.Probe, error) {
	return promptProbe(probes)
}

func promptProbe(probes []probe.Probe) (probe.Probe, error) {
	fmt.Println("Multiple probes found:")
	for i, p := range probes {
		fmt.Printf("  %d: %s\n", i, p)
	}
	choice, err := promptNumber("Select a probe", len(probes))
	if err != nil {
		return probe.Probe{}, err
	}
	return probes[choice], nil
}

func (p prompter) SelectVariant(res metadata.Resolution) (string, error) {
	names := res.VariantNames()
	fmt.Printf("Release %s offers multiple firmware builds:\n", res.Tag)
	for i, name := range names {
		fmt.Printf("  %d: %s (%s)\n", i, name, res.Variants[name].FriendlyName)
	}
	choice, err := promptNumber("Select a build", len(names))
	if err != nil {
		return "", err
	}
	return names[choice], nil
}

func (p prompter) Confirm(summary string) (bool, error) {
	if p.assumeYes {
		fmt.Printf("About to %s\n", summary)
		return true, nil
	}
	fmt.Printf("About to %s. Continue? [y/N] ", summary)
	line, err := readLine()
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func promptNumber(prompt string, n int) (int, error) {
	fmt.Printf("%s [0-%d]: ", prompt, n-1)
	line, err := readLine()
	if err != nil {
		return 0, err
	}
	var choice int
	if _, err := fmt.Sscanf(strings.TrimSpace(line), "%d", &choice); err != nil {
		return 0, fmt.Errorf("not a number: %q", strings.TrimSpace(line))
	}
	if choice < 0 || choice >= n {
		return 0, fmt.Errorf("choice %d out of range", choice)
	}
	return choice, nil
}

func readLine() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	return reader.ReadString('\n')
}

// sortedTags orders release tags oldest first for display.
func sortedTags(index *metadata.ReleaseIndex) []string {
	tags := make([]string, 0, len(index.Releases))
	for tag := range index.Releases {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		cmp, ok := probe.ParseVersion(tags[i]).Compare(probe.ParseVersion(tags[j]))
		if !ok {
			return tags[i] < tags[j]
		}
		return cmp < 0
	})
	return tags
}
