package probe

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Scanner enumerates attached probes. Each Scan call produces a fresh
// snapshot; callers re-scan to observe devices appearing, vanishing or
// changing mode.
type Scanner struct {
	ctx   *gousb.Context
	warns *multierror.Error
}

// NewScanner opens a USB context for probe enumeration. Callers own the
// scanner and must Close it.
func NewScanner() *Scanner {
	return &Scanner{ctx: gousb.NewContext()}
}

func (s *Scanner) Close() error {
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Close()
	s.ctx = nil
	return err
}

// Scan walks the USB bus and returns a snapshot of every supported probe.
// A device that fails its descriptor reads is logged, recorded in
// Warnings and skipped; one wedged device must not hide the others.
func (s *Scanner) Scan() ([]Probe, error) {
	s.warns = nil

	devices, err := s.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, _, ok := ClassifyUSB(desc.Vendor, desc.Product)
		return ok
	})
	// OpenDevices returns the devices it did open alongside any error, so
	// per-device open failures still leave us the rest of the bus.
	if err != nil {
		if len(devices) == 0 {
			return nil, fmt.Errorf("enumerating USB devices: %w", err)
		}
		log.Warnf("some probes could not be opened during scan: %v", err)
		s.warns = multierror.Append(s.warns, err)
	}

	probes := make([]Probe, 0, len(devices))
	for _, dev := range devices {
		p, err := snapshot(dev)
		if closeErr := dev.Close(); closeErr != nil {
			log.Debugf("closing scanned device: %v", closeErr)
		}
		if err != nil {
			log.Warnf("skipping probe at bus %d addr %d: %v", dev.Desc.Bus, dev.Desc.Address, err)
			s.warns = multierror.Append(s.warns, err)
			continue
		}
		probes = append(probes, p)
	}
	return probes, nil
}

// Warnings returns the per-device errors collected by the last Scan, or
// nil when every device was read cleanly.
func (s *Scanner) Warnings() error {
	return s.warns.ErrorOrNil()
}

func snapshot(dev *gousb.Device) (Probe, error) {
	kind, mode, ok := ClassifyUSB(dev.Desc.Vendor, dev.Desc.Product)
	if !ok {
		return Probe{}, fmt.Errorf("device %s is not a supported probe", dev.Desc)
	}

	product, err := dev.Product()
	if err != nil {
		return Probe{}, fmt.Errorf("reading product string: %w", err)
	}
	// Serial numbers are optional; old bootloaders omit them.
	serial, err := dev.SerialNumber()
	if err != nil {
		log.Debugf("probe at bus %d addr %d has no readable serial: %v",
			dev.Desc.Bus, dev.Desc.Address, err)
		serial = ""
	}

	return Probe{
		Bus:     dev.Desc.Bus,
		Address: dev.Desc.Address,
		Port:    portPath(dev.Desc),
		VID:     dev.Desc.Vendor,
		PID:     dev.Desc.Product,
		Serial:  serial,
		Product: product,
		Mode:    mode,
		Boot:    kind,
	}, nil
}

// portPath renders the physical topology path <bus>-<port>.<subport...>.
func portPath(desc *gousb.DeviceDesc) string {
	if len(desc.Path) == 0 {
		return ""
	}
	segments := make([]string, len(desc.Path))
	for i, port := range desc.Path {
		segments[i] = strconv.Itoa(port)
	}
	return fmt.Sprintf("%d-%s", desc.Bus, strings.Join(segments, "."))
}

// Matcher narrows a scan snapshot down to the devices the user asked for.
// Zero-valued fields match everything.
type Matcher struct {
	Serial string
	Port   string
	// Index selects the nth matching device in enumeration order;
	// negative means no index filter.
	Index int
}

// NewMatcher returns a matcher with no filters set.
func NewMatcher() Matcher {
	return Matcher{Index: -1}
}

// Filter applies the matcher to a scan snapshot, preserving scan order.
func (m Matcher) Filter(probes []Probe) []Probe {
	matched := make([]Probe, 0, len(probes))
	for i, p := range probes {
		if m.Serial != "" && p.Serial != m.Serial {
			continue
		}
		if m.Port != "" && p.Port != m.Port {
			continue
		}
		if m.Index >= 0 && i != m.Index {
			continue
		}
		matched = append(matched, p)
	}
	return matched
}
