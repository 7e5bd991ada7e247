package dfu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/blackmagic-debug/bmputil/pkg/firmware"
	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

// Simulator is an in-memory probe with a DfuSe-style bootloader. It backs
// the session and workflow tests: it detaches, re-enumerates, erases,
// programs, uploads and manifests exactly as far as the session state
// machine needs, and can be made to fail at each of those steps.
type Simulator struct {
	mu sync.Mutex

	kind    probe.BootloaderKind
	serial  string
	port    string
	mode    probe.Mode
	address int

	flash   []byte
	pointer uint32
	status  Error
	state   State
	desc    FunctionalDescriptor

	product     string
	bootProduct string

	// FailDetach keeps the device in application mode after a detach
	// request, so it never re-enumerates.
	FailDetach bool
	// FailBlocks injects transient failures: block number to the number of
	// download attempts that must fail before one succeeds.
	FailBlocks map[uint16]int
	// CorruptUploads flips a bit in every uploaded block, which makes
	// readback verification fail.
	CorruptUploads bool

	erased []uint32
}

const simFlashSize = 128 * 1024

// NewSimulator builds a simulated probe with erased flash, in application
// mode running the given product string.
func NewSimulator(kind probe.BootloaderKind, product, serial string) *Simulator {
	flash := make([]byte, simFlashSize)
	for i := range flash {
		flash[i] = 0xff
	}
	sim := &Simulator{
		kind:        kind,
		serial:      serial,
		port:        "1-1.4",
		mode:        probe.ModeApplication,
		address:     10,
		flash:       flash,
		state:       StateDfuIdle,
		product:     product,
		bootProduct: "Black Magic Probe (Upgrade)",
		desc: FunctionalDescriptor{
			Attributes:   attrCanDnload | attrCanUpload | attrWillDetach,
			TransferSize: 1024,
			Version:      0x011a,
		},
	}
	if kind == probe.BootSTM32 {
		sim.mode = probe.ModeBootloader
		sim.bootProduct = "STM32 BOOTLOADER"
	}
	return sim
}

// Preload writes firmware into the simulated flash without going through
// DFU, the way a factory-flashed probe starts out.
func (sim *Simulator) Preload(address uint32, data []byte) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	copy(sim.flash[address-firmware.FlashBase:], data)
}

// FlashRegion returns a copy of the simulated flash region.
func (sim *Simulator) FlashRegion(address uint32, length int) []byte {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	region := make([]byte, length)
	copy(region, sim.flash[address-firmware.FlashBase:])
	return region
}

// ErasedPages lists the page addresses erased so far, in order.
func (sim *Simulator) ErasedPages() []uint32 {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return append([]uint32(nil), sim.erased...)
}

// Mode reports the mode the simulated probe is currently in.
func (sim *Simulator) Mode() probe.Mode {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.mode
}

func (sim *Simulator) usbIdentity() (gousb.ID, gousb.ID, string) {
	if sim.mode == probe.ModeApplication {
		return probe.VendorBMD, probe.ProductBMD, sim.product
	}
	switch sim.kind {
	case probe.BootDragon:
		return probe.VendorOpen, probe.ProductBadb, sim.bootProduct
	case probe.BootSTM32:
		return probe.VendorSTM, probe.ProductSTDFU, sim.bootProduct
	default:
		return probe.VendorBMD, probe.ProductDFU, sim.bootProduct
	}
}

// Probe renders the current scan snapshot of the simulated device.
func (sim *Simulator) Probe() probe.Probe {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.snapshotLocked()
}

func (sim *Simulator) snapshotLocked() probe.Probe {
	vid, pid, product := sim.usbIdentity()
	kind, mode, _ := probe.ClassifyUSB(vid, pid)
	return probe.Probe{
		Bus:     1,
		Address: sim.address,
		Port:    sim.port,
		VID:     vid,
		PID:     pid,
		Serial:  sim.serial,
		Product: product,
		Mode:    mode,
		Boot:    kind,
	}
}

// Rescan is the simulator's bus enumeration, shaped to plug in as a
// session RescanFunc.
func (sim *Simulator) Rescan() ([]probe.Probe, error) {
	return []probe.Probe{sim.Probe()}, nil
}

// Open hands out a transport when the requested snapshot still matches the
// simulated device, shaped to plug in as an Opener.
func (sim *Simulator) Open(target probe.Probe) (Transport, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	current := sim.snapshotLocked()
	if target.VID != current.VID || target.PID != current.PID {
		return nil, fmt.Errorf("probe %s is no longer present", target)
	}
	return &simTransport{sim: sim}, nil
}

type simTransport struct {
	sim    *Simulator
	closed bool
}

func (t *simTransport) Descriptor() FunctionalDescriptor {
	return t.sim.desc
}

func (t *simTransport) Close() error {
	t.closed = true
	return nil
}

func (t *simTransport) Out(request uint8, value uint16, data []byte) error {
	sim := t.sim
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}

	switch request {
	case reqDetach:
		if sim.mode != probe.ModeApplication {
			return errors.New("detach in bootloader mode")
		}
		if !sim.FailDetach {
			sim.mode = probe.ModeBootloader
			sim.address++
		}
		return nil
	case reqClrStatus:
		sim.status = ErrOK
		sim.state = StateDfuIdle
		return nil
	case reqAbort:
		sim.state = StateDfuIdle
		return nil
	case reqDnload:
		return sim.dnloadLocked(value, data)
	default:
		return fmt.Errorf("unsupported OUT request %d", request)
	}
}

func (sim *Simulator) dnloadLocked(block uint16, data []byte) error {
	if sim.mode != probe.ModeBootloader {
		return errors.New("download in application mode")
	}
	if sim.state == StateError {
		return errors.New("download while in error state")
	}

	// Block zero carries DfuSe commands; an empty download manifests.
	if block == 0 {
		if len(data) == 0 {
			return sim.manifestLocked()
		}
		if len(data) != 5 {
			sim.fail(ErrStalledPkt)
			return nil
		}
		address := uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16 | uint32(data[4])<<24
		switch data[0] {
		case dfuseSetAddress:
			sim.pointer = address
			sim.state = StateDnloadIdle
		case dfuseErasePage:
			sim.erasePageLocked(address)
		default:
			sim.fail(ErrStalledPkt)
		}
		return nil
	}

	if block < 2 {
		sim.fail(ErrStalledPkt)
		return nil
	}
	if remaining := sim.FailBlocks[block]; remaining > 0 {
		sim.FailBlocks[block] = remaining - 1
		sim.fail(ErrProg)
		return nil
	}
	offset := sim.pointer + uint32(block-2)*uint32(sim.desc.TransferSize)
	start := int(offset - firmware.FlashBase)
	if start < 0 || start+len(data) > len(sim.flash) {
		sim.fail(ErrAddress)
		return nil
	}
	copy(sim.flash[start:], data)
	sim.state = StateDnloadIdle
	return nil
}

func (sim *Simulator) erasePageLocked(address uint32) {
	start := int(address - firmware.FlashBase)
	if start < 0 || start >= len(sim.flash) {
		sim.fail(ErrAddress)
		return
	}
	end := start + 1024
	if end > len(sim.flash) {
		end = len(sim.flash)
	}
	for i := start; i < end; i++ {
		sim.flash[i] = 0xff
	}
	sim.erased = append(sim.erased, address)
	sim.state = StateDnloadIdle
}

// manifestLocked reboots the device into whatever firmware its flash now
// holds. Unidentifiable flash means the application never comes up and
// the device stays in its bootloader, exactly like real hardware.
func (sim *Simulator) manifestLocked() error {
	sim.state = StateManifest
	if id, ok := firmware.Identify(sim.flash); ok {
		sim.mode = probe.ModeApplication
		sim.product = id.String()
		sim.address++
	}
	sim.state = StateDfuIdle
	return nil
}

func (sim *Simulator) fail(code Error) {
	sim.status = code
	sim.state = StateError
}

func (t *simTransport) In(request uint8, value uint16, data []byte) (int, error) {
	sim := t.sim
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if t.closed {
		return 0, errors.New("transport closed")
	}

	switch request {
	case reqGetStatus:
		if len(data) < statusLength {
			return 0, errors.New("status buffer too short")
		}
		data[0] = byte(sim.status)
		data[1], data[2], data[3] = 0, 0, 0
		data[4] = byte(sim.state)
		data[5] = 0
		return statusLength, nil
	case reqGetState:
		if len(data) < 1 {
			return 0, errors.New("state buffer too short")
		}
		data[0] = byte(sim.state)
		return 1, nil
	case reqUpload:
		return sim.uploadLocked(value, data)
	default:
		return 0, fmt.Errorf("unsupported IN request %d", request)
	}
}

func (sim *Simulator) uploadLocked(block uint16, data []byte) (int, error) {
	if sim.mode != probe.ModeBootloader {
		return 0, errors.New("upload in application mode")
	}
	if block < 2 {
		return 0, errors.New("upload from a command block")
	}
	offset := sim.pointer + uint32(block-2)*uint32(sim.desc.TransferSize)
	start := int(offset - firmware.FlashBase)
	if start < 0 || start >= len(sim.flash) {
		return 0, nil
	}
	n := copy(data, sim.flash[start:])
	if sim.CorruptUploads && n > 0 {
		data[0] ^= 0x01
	}
	sim.state = StateUploadIdle
	return n, nil
}
