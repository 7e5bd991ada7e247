// Package firmware turns downloaded release assets into flashable images
// and works out where in flash they belong.
package firmware

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

// Format is the container format of a firmware asset.
type Format int

const (
	FormatBinary Format = iota
	FormatELF
	FormatIntelHex
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "ELF"
	case FormatIntelHex:
		return "Intel HEX"
	default:
		return "raw binary"
	}
}

// ErrIntelHex is returned for Intel HEX assets. The format is recognised
// so the user gets a precise message, but it is not supported as a flash
// source; releases ship ELF and raw binary images.
var ErrIntelHex = errors.New("Intel HEX firmware images are not supported")

// Type says what kind of firmware an image holds, which decides its load
// address.
type Type int

const (
	// TypeApplication is a debug firmware build that lives above the
	// bootloader.
	TypeApplication Type = iota
	// TypeBootloader is a full-flash image that starts with its own
	// bootloader.
	TypeBootloader
)

func (t Type) String() string {
	if t == TypeBootloader {
		return "bootloader"
	}
	return "application"
}

// Flash geometry shared by all supported probes. The application base is
// where the Black Magic Debug and dragonBoot bootloaders place firmware;
// the STM32 ROM bootloader programs from the start of flash.
const (
	FlashBase = 0x08000000
	// AppBase is FlashBase plus the 8 KiB bootloader region.
	AppBase = 0x08002000
	// flashLimit bounds reset-vector sanity checks; no supported probe has
	// more than 2 MiB of flash.
	flashLimit = FlashBase + 0x200000
)

// Image is a flattened firmware image ready to be programmed.
type Image struct {
	// Data is the raw flash content.
	Data []byte
	// Base is the address Data was linked at; zero when the container
	// format does not carry one (raw binaries).
	Base uint32
	// HasBase says whether Base is meaningful.
	HasBase bool
}

// DetectFormat sniffs the container format of a firmware asset.
func DetectFormat(data []byte) Format {
	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return FormatELF
	}
	if looksLikeIntelHex(data) {
		return FormatIntelHex
	}
	return FormatBinary
}

// looksLikeIntelHex checks whether the first line of the file is a
// plausible Intel HEX record.
func looksLikeIntelHex(data []byte) bool {
	if len(data) == 0 || data[0] != ':' {
		return false
	}
	line, _, _ := bytes.Cut(data, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) < 11 || len(line)%2 != 1 {
		return false
	}
	for _, c := range line[1:] {
		if !isHexDigit(c) {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'A' && c <= 'F' || c >= 'a' && c <= 'f'
}

// Load flattens a firmware asset into a programmable image. ELF images are
// flattened from their load segments; raw binaries pass through unchanged.
// Intel HEX is recognised and rejected.
func Load(data []byte) (Image, error) {
	switch format := DetectFormat(data); format {
	case FormatELF:
		return flattenELF(data)
	case FormatIntelHex:
		return Image{}, ErrIntelHex
	default:
		if len(data) == 0 {
			return Image{}, errors.New("firmware image is empty")
		}
		return Image{Data: data}, nil
	}
}

// flattenELF lays the ELF's loadable segments out at their physical load
// addresses, padding the gaps between them with erased-flash bytes.
func flattenELF(data []byte) (Image, error) {
	file, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("parsing ELF image: %w", err)
	}
	defer file.Close()

	if file.Class != elf.ELFCLASS32 || file.Data != elf.ELFDATA2LSB || file.Machine != elf.EM_ARM {
		return Image{}, fmt.Errorf("firmware must be a 32-bit little-endian Arm ELF, got %s %s %s",
			file.Class, file.Data, file.Machine)
	}

	type segment struct {
		addr uint32
		data []byte
	}
	var segments []segment
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		content := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), content); err != nil {
			return Image{}, fmt.Errorf("reading ELF segment at %#x: %w", prog.Paddr, err)
		}
		// Paddr is the flash address; Vaddr may point into RAM for
		// initialised data.
		segments = append(segments, segment{addr: uint32(prog.Paddr), data: content})
	}
	if len(segments) == 0 {
		return Image{}, errors.New("ELF image has no loadable segments")
	}

	base, end := segments[0].addr, segments[0].addr
	for _, seg := range segments {
		if seg.addr < base {
			base = seg.addr
		}
		if segEnd := seg.addr + uint32(len(seg.data)); segEnd > end {
			end = segEnd
		}
	}
	if end-base > flashLimit-FlashBase {
		return Image{}, fmt.Errorf("ELF segments span %d bytes, larger than any supported flash", end-base)
	}

	image := make([]byte, end-base)
	for i := range image {
		image[i] = 0xff
	}
	for _, seg := range segments {
		copy(image[seg.addr-base:], seg.data)
	}
	log.Debugf("flattened ELF image: %d bytes at %#x", len(image), base)
	return Image{Data: image, Base: base, HasBase: true}, nil
}

// DetectType inspects the Armv7-M vector table at the start of the image.
// The reset vector must be a thumb address inside flash; whether it points
// below the application base tells a full-flash image apart from an
// application build.
func DetectType(img Image) (Type, error) {
	if len(img.Data) < 8 {
		return 0, errors.New("image too short to hold a vector table")
	}
	stack := binary.LittleEndian.Uint32(img.Data[0:4])
	reset := binary.LittleEndian.Uint32(img.Data[4:8])

	// The initial stack pointer lives in SRAM or CCM RAM.
	if stack < 0x10000000 || stack >= 0x30000000 {
		return 0, fmt.Errorf("initial stack pointer %#x is not a RAM address", stack)
	}
	if reset&1 == 0 {
		return 0, fmt.Errorf("reset vector %#x is not a thumb address", reset)
	}
	if reset < FlashBase || reset >= flashLimit {
		return 0, fmt.Errorf("reset vector %#x is outside flash", reset)
	}

	if img.HasBase {
		if img.Base < AppBase {
			return TypeBootloader, nil
		}
		return TypeApplication, nil
	}
	if reset < AppBase {
		return TypeBootloader, nil
	}
	return TypeApplication, nil
}

// LoadAddress decides where an image of the given type gets programmed on
// a probe running the given bootloader.
func LoadAddress(kind probe.BootloaderKind, typ Type) (uint32, error) {
	switch kind {
	case probe.BootSTM32:
		// The ROM bootloader has no flash of its own to protect, so both
		// image types start at the beginning of flash.
		if typ == TypeBootloader {
			return FlashBase, nil
		}
		return AppBase, nil
	case probe.BootDragon:
		if typ == TypeBootloader {
			return 0, errors.New("dragonBoot cannot overwrite itself with a full-flash image")
		}
		return AppBase, nil
	default:
		if typ == TypeBootloader {
			return FlashBase, nil
		}
		return AppBase, nil
	}
}
