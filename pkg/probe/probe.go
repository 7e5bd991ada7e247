package probe

import (
	"fmt"

	"github.com/google/gousb"
)

// Mode is the operating mode a probe was in when it was scanned.
type Mode int

const (
	ModeUnknown Mode = iota
	// ModeApplication means the probe runs its debug firmware and exposes
	// a runtime DFU interface for detaching into the bootloader.
	ModeApplication
	// ModeBootloader means the probe is in DFU upgrade mode and can be
	// erased, programmed and read back.
	ModeBootloader
)

func (m Mode) String() string {
	switch m {
	case ModeApplication:
		return "application"
	case ModeBootloader:
		return "bootloader"
	default:
		return "unknown"
	}
}

// BootloaderKind identifies which bootloader family a probe uses, which
// determines the USB identity it re-enumerates with and where firmware
// gets linked in flash.
type BootloaderKind int

const (
	// BootBMD is the in-repo Black Magic Debug bootloader.
	BootBMD BootloaderKind = iota
	// BootDragon is the dragonBoot alternative bootloader.
	BootDragon
	// BootSTM32 is the STM32 ROM DFU bootloader.
	BootSTM32
)

func (k BootloaderKind) String() string {
	switch k {
	case BootDragon:
		return "dragonBoot"
	case BootSTM32:
		return "STM32 device DFU"
	default:
		return "Black Magic Debug"
	}
}

// USB identities for supported probe hardware. The allowlist is closed:
// anything else on the bus is not a probe and is never touched.
const (
	VendorBMD    = gousb.ID(0x1d50)
	ProductBMD   = gousb.ID(0x6018)
	ProductDFU   = gousb.ID(0x6017)
	VendorOpen   = gousb.ID(0x1209)
	ProductBadb  = gousb.ID(0xbadb)
	VendorSTM    = gousb.ID(0x0483)
	ProductSTDFU = gousb.ID(0xdf11)
)

// ClassifyUSB maps a VID/PID pair to the bootloader kind and operating mode
// it implies. ok is false for devices that are not supported probes.
func ClassifyUSB(vid, pid gousb.ID) (kind BootloaderKind, mode Mode, ok bool) {
	switch {
	case vid == VendorBMD && pid == ProductBMD:
		return BootBMD, ModeApplication, true
	case vid == VendorBMD && pid == ProductDFU:
		return BootBMD, ModeBootloader, true
	case vid == VendorOpen && pid == ProductBadb:
		return BootDragon, ModeBootloader, true
	case vid == VendorSTM && pid == ProductSTDFU:
		return BootSTM32, ModeBootloader, true
	default:
		return 0, ModeUnknown, false
	}
}

// Probe is an immutable snapshot of a connected probe taken during one scan
// pass. A device that detaches and re-enumerates gets a fresh snapshot with
// a new USB identity; handles are never kept in the snapshot.
type Probe struct {
	Bus     int
	Address int
	// Port is the OS-reported location string <bus>-<port>.<subport...>,
	// the most stable way to track one physical device across a reset.
	Port    string
	VID     gousb.ID
	PID     gousb.ID
	Serial  string
	Product string
	Mode    Mode
	Boot    BootloaderKind
}

// Identity parses the probe's product string. Only meaningful in
// application mode; bootloader-mode probes report the bootloader's product
// string, not the firmware's.
func (p Probe) Identity() (Identity, error) {
	return ParseIdentity(p.Product)
}

func (p Probe) String() string {
	desc := fmt.Sprintf("%s [%04x:%04x] bus %d addr %d (%s mode)",
		p.Product, uint16(p.VID), uint16(p.PID), p.Bus, p.Address, p.Mode)
	if p.Serial != "" {
		desc += " serial " + p.Serial
	}
	return desc
}

// SameDevice reports whether two snapshots plausibly describe the same
// physical device across a re-enumeration. Serial numbers can change
// between application and bootloader firmware, so the port path is the
// primary key, with the bus number as a fallback check.
func (p Probe) SameDevice(other Probe) bool {
	if p.Port != "" && other.Port != "" {
		return p.Port == other.Port
	}
	return p.Bus == other.Bus
}
