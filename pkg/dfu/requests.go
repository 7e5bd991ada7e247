// Package dfu drives USB Device Firmware Upgrade devices, including the
// DfuSe extensions the STM32 ROM bootloader speaks.
package dfu

import (
	"encoding/binary"
	"fmt"
	"time"
)

// DFU class requests, USB DFU 1.1 section 3.
const (
	reqDetach    = 0
	reqDnload    = 1
	reqUpload    = 2
	reqGetStatus = 3
	reqClrStatus = 4
	reqGetState  = 5
	reqAbort     = 6
)

// State is the DFU interface state machine state, USB DFU 1.1 appendix A.
type State byte

const (
	StateAppIdle            State = 0
	StateAppDetach          State = 1
	StateDfuIdle            State = 2
	StateDnloadSync         State = 3
	StateDnbusy             State = 4
	StateDnloadIdle         State = 5
	StateManifestSync       State = 6
	StateManifest           State = 7
	StateManifestWaitReset  State = 8
	StateUploadIdle         State = 9
	StateError              State = 10
)

func (s State) String() string {
	names := [...]string{
		"appIDLE", "appDETACH", "dfuIDLE", "dfuDNLOAD-SYNC", "dfuDNBUSY",
		"dfuDNLOAD-IDLE", "dfuMANIFEST-SYNC", "dfuMANIFEST",
		"dfuMANIFEST-WAIT-RESET", "dfuUPLOAD-IDLE", "dfuERROR",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("State(%d)", byte(s))
}

// Error is the DFU status code, USB DFU 1.1 section 6.1.2.
type Error byte

const (
	ErrOK Error = iota
	ErrTarget
	ErrFile
	ErrWrite
	ErrErase
	ErrCheckErased
	ErrProg
	ErrVerify
	ErrAddress
	ErrNotDone
	ErrFirmware
	ErrVendor
	ErrUSBReset
	ErrPowerOnReset
	ErrUnknown
	ErrStalledPkt
)

func (e Error) String() string {
	names := [...]string{
		"OK", "errTARGET", "errFILE", "errWRITE", "errERASE",
		"errCHECK_ERASED", "errPROG", "errVERIFY", "errADDRESS",
		"errNOTDONE", "errFIRMWARE", "errVENDOR", "errUSBR", "errPOR",
		"errUNKNOWN", "errSTALLEDPKT",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return fmt.Sprintf("Error(%d)", byte(e))
}

// Status is the device's answer to DFU_GETSTATUS.
type Status struct {
	Error       Error
	PollTimeout time.Duration
	State       State
}

const statusLength = 6

func parseStatus(data []byte) (Status, error) {
	if len(data) < statusLength {
		return Status{}, fmt.Errorf("short DFU status response: %d bytes", len(data))
	}
	timeout := uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16
	return Status{
		Error:       Error(data[0]),
		PollTimeout: time.Duration(timeout) * time.Millisecond,
		State:       State(data[4]),
	}, nil
}

// DFU functional descriptor attribute bits.
const (
	attrCanDnload        = 1 << 0
	attrCanUpload        = 1 << 1
	attrManifestTolerant = 1 << 2
	attrWillDetach       = 1 << 3
)

// FunctionalDescriptor is the DFU functional descriptor, USB DFU 1.1
// section 4.1.3.
type FunctionalDescriptor struct {
	Attributes    byte
	DetachTimeout time.Duration
	TransferSize  int
	Version       uint16
}

func (d FunctionalDescriptor) CanDnload() bool        { return d.Attributes&attrCanDnload != 0 }
func (d FunctionalDescriptor) CanUpload() bool        { return d.Attributes&attrCanUpload != 0 }
func (d FunctionalDescriptor) ManifestTolerant() bool { return d.Attributes&attrManifestTolerant != 0 }
func (d FunctionalDescriptor) WillDetach() bool       { return d.Attributes&attrWillDetach != 0 }

const functionalDescriptorLength = 9

// parseFunctionalDescriptor decodes the 9-byte DFU functional descriptor.
func parseFunctionalDescriptor(data []byte) (FunctionalDescriptor, error) {
	if len(data) < functionalDescriptorLength {
		return FunctionalDescriptor{}, fmt.Errorf("short DFU functional descriptor: %d bytes", len(data))
	}
	if data[1] != descriptorTypeDFUFunctional {
		return FunctionalDescriptor{}, fmt.Errorf("descriptor type %#x is not a DFU functional descriptor", data[1])
	}
	return FunctionalDescriptor{
		Attributes:    data[2],
		DetachTimeout: time.Duration(binary.LittleEndian.Uint16(data[3:5])) * time.Millisecond,
		TransferSize:  int(binary.LittleEndian.Uint16(data[5:7])),
		Version:       binary.LittleEndian.Uint16(data[7:9]),
	}, nil
}

// USB descriptor and class constants for locating the DFU interface.
const (
	descriptorTypeDFUFunctional = 0x21
	classApplicationSpecific    = 0xfe
	subclassDFU                 = 0x01
)

// DfuSe command bytes, sent as the payload of a DFU_DNLOAD to block zero
// (AN3156). The STM32 ROM bootloader and dragonBoot both implement them.
const (
	dfuseSetAddress = 0x21
	dfuseErasePage  = 0x41
)

// dfuseCommand renders a DfuSe command with its little-endian address
// argument.
func dfuseCommand(command byte, address uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = command
	binary.LittleEndian.PutUint32(buf[1:], address)
	return buf
}
