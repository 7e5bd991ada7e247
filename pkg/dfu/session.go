package dfu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	log "github.com/sirupsen/logrus"

	"github.com/blackmagic-debug/bmputil/pkg/firmware"
	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

// Phase is where a flash session currently stands. Phases only ever move
// forward; a failed session lands in PhaseAborted and stays there.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEnsureBootloader
	PhaseErase
	PhaseProgram
	PhaseVerify
	PhaseReset
	PhaseDone
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEnsureBootloader:
		return "entering bootloader"
	case PhaseErase:
		return "erasing"
	case PhaseProgram:
		return "programming"
	case PhaseVerify:
		return "verifying"
	case PhaseReset:
		return "restarting"
	case PhaseDone:
		return "done"
	default:
		return "aborted"
	}
}

// Progress reports how far the current phase has come, in bytes for the
// data-moving phases and in pages for the erase phase.
type Progress struct {
	Phase Phase
	Done  int
	Total int
}

// RescanFunc re-enumerates the bus; sessions use it to find the probe
// again after it detaches into its bootloader.
type RescanFunc func() ([]probe.Probe, error)

// Options tune a flash session. The zero value asks for sensible
// defaults everywhere.
type Options struct {
	// TransferSize overrides the device's advertised transfer size.
	TransferSize int
	// PageSize is the flash page granularity used for erasing. Zero picks
	// the granularity of the probe's bootloader family.
	PageSize int
	// BlockRetries is how often a failed block transfer is retried after
	// clearing the device's error state.
	BlockRetries int
	// ReenumerateTimeout bounds the wait for the probe to come back after
	// detaching into its bootloader.
	ReenumerateTimeout time.Duration
	// PollInterval is the re-enumeration polling interval.
	PollInterval time.Duration
	// VerifyAfterProgram reads the flash back and compares it against the
	// image. Skipped silently on devices that cannot upload.
	VerifyAfterProgram bool
	// Progress, when set, is called as phases advance.
	Progress func(Progress)
	// Clock defaults to the wall clock; tests inject their own.
	Clock clock.Clock
}

// WithDefaults fills in the device-independent defaults. The page size is
// left alone: NewSession resolves it from the target's bootloader family.
func (o Options) WithDefaults() Options {
	if o.BlockRetries == 0 {
		o.BlockRetries = 3
	}
	if o.ReenumerateTimeout == 0 {
		o.ReenumerateTimeout = 5 * time.Second
	}
	if o.PollInterval == 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	return o
}

// ErrDeviceDidNotReenumerate means the probe was told to detach into its
// bootloader but never came back on the bus.
var ErrDeviceDidNotReenumerate = errors.New("probe did not re-enumerate after detach")

// ErrVerifyMismatch means the programmed flash read back differently from
// the image that was written.
var ErrVerifyMismatch = errors.New("flash content does not match the programmed image")

// ResetError wraps a failure of the final restart request. The firmware
// was fully programmed (and verified, when enabled); only the handover
// back to application mode misbehaved, which a power cycle fixes.
type ResetError struct {
	Err error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("firmware written, but the probe did not restart cleanly: %v "+
		"(unplug and replug the probe)", e.Err)
}

func (e *ResetError) Unwrap() error { return e.Err }

// AbortError wraps a failure in a phase that had already modified flash.
type AbortError struct {
	Phase Phase
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("flashing aborted while %s: %v "+
		"(the probe's flash is in an indeterminate state; flash it again before use)",
		e.Phase, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Session flashes one firmware image onto one probe. Sessions are single
// use: after Flash returns, the session is Done or Aborted.
type Session struct {
	target probe.Probe
	open   Opener
	rescan RescanFunc
	opts   Options

	phase     Phase
	transport Transport
}

// NewSession prepares a flash session against the given probe snapshot.
func NewSession(target probe.Probe, open Opener, rescan RescanFunc, opts Options) *Session {
	opts = opts.WithDefaults()
	if opts.PageSize == 0 {
		opts.PageSize = erasePageSize(target.Boot)
	}
	return &Session{
		target: target,
		open:   open,
		rescan: rescan,
		opts:   opts,
		phase:  PhaseIdle,
	}
}

// erasePageSize is the DfuSe erase granularity per bootloader family. The
// F1-class parts behind the BMD and STM32 ROM bootloaders have 1 KiB
// pages; dragonBoot runs on F4-class parts whose smallest sector is
// 16 KiB, and a finer stride would re-erase the same sector over and over.
func erasePageSize(kind probe.BootloaderKind) int {
	if kind == probe.BootDragon {
		return 16 * 1024
	}
	return 1024
}

// Phase reports where the session currently stands.
func (s *Session) Phase() Phase {
	return s.phase
}

// Target is the probe snapshot the session currently operates on; it is
// replaced when the probe re-enumerates into its bootloader.
func (s *Session) Target() probe.Probe {
	return s.target
}

func (s *Session) Close() error {
	if s.transport == nil {
		return nil
	}
	err := s.transport.Close()
	s.transport = nil
	return err
}

func (s *Session) setPhase(phase Phase, total int) {
	s.phase = phase
	s.report(0, total)
}

func (s *Session) report(done, total int) {
	if s.opts.Progress != nil {
		s.opts.Progress(Progress{Phase: s.phase, Done: done, Total: total})
	}
}

// Flash runs the whole state machine: enter the bootloader, erase, program,
// optionally verify, and restart the probe into its new firmware.
//
// Cancellation is honoured at phase boundaries and between blocks. Before
// the erase phase starts the device is untouched and cancelling is free;
// from erase onward a cancelled or failed session returns *AbortError
// because the flash content is no longer trustworthy. A *ResetError is the
// one non-fatal failure: everything was written, only the restart request
// misfired.
func (s *Session) Flash(ctx context.Context, image firmware.Image, address uint32) error {
	if s.phase != PhaseIdle {
		return fmt.Errorf("flash session already ran (phase %s)", s.phase)
	}
	if len(image.Data) == 0 {
		return errors.New("refusing to flash an empty image")
	}
	defer s.Close()

	s.setPhase(PhaseEnsureBootloader, 0)
	if err := s.ensureBootloader(ctx); err != nil {
		s.phase = PhaseAborted
		return err
	}

	// Last safe cancellation point: nothing has been written yet.
	if err := ctx.Err(); err != nil {
		s.phase = PhaseAborted
		return err
	}

	if err := s.erase(ctx, len(image.Data), address); err != nil {
		s.phase = PhaseAborted
		return &AbortError{Phase: PhaseErase, Err: err}
	}
	if err := s.program(ctx, image.Data, address); err != nil {
		s.phase = PhaseAborted
		return &AbortError{Phase: PhaseProgram, Err: err}
	}
	if err := s.verify(ctx, image.Data, address); err != nil {
		s.phase = PhaseAborted
		return &AbortError{Phase: PhaseVerify, Err: err}
	}

	s.setPhase(PhaseReset, 0)
	if err := s.manifest(); err != nil {
		// The firmware is fully written; do not fail the session over a
		// restart hiccup.
		log.Warnf("probe restart request failed: %v", err)
		s.setPhase(PhaseDone, 0)
		return &ResetError{Err: err}
	}
	s.setPhase(PhaseDone, 0)
	return nil
}

// Detach reboots an application-mode probe into its bootloader and waits
// for it to re-enumerate, returning the fresh snapshot. Only valid before
// the session has started flashing.
func (s *Session) Detach(ctx context.Context) (probe.Probe, error) {
	if s.phase != PhaseIdle {
		return probe.Probe{}, fmt.Errorf("cannot detach in phase %s", s.phase)
	}
	if s.target.Mode != probe.ModeApplication {
		return probe.Probe{}, errors.New("probe is not in application mode")
	}
	if err := s.detach(ctx); err != nil {
		return probe.Probe{}, err
	}
	return s.target, nil
}

// ensureBootloader gets the session a transport to a probe in bootloader
// mode, detaching the application firmware first when needed.
func (s *Session) ensureBootloader(ctx context.Context) error {
	if s.target.Mode == probe.ModeApplication {
		if err := s.detach(ctx); err != nil {
			return err
		}
	}

	transport, err := s.open(s.target)
	if err != nil {
		return err
	}
	s.transport = transport

	if !transport.Descriptor().CanDnload() {
		return errors.New("probe's DFU interface does not accept downloads")
	}
	return s.ensureIdle()
}

// detach asks the application firmware to reboot into its bootloader and
// waits for the device to come back on the bus.
func (s *Session) detach(ctx context.Context) error {
	transport, err := s.open(s.target)
	if err != nil {
		return fmt.Errorf("opening probe for detach: %w", err)
	}
	log.Infof("restarting %s into its bootloader", s.target.Product)
	detachErr := transport.Out(reqDetach, 1000, nil)
	if closeErr := transport.Close(); closeErr != nil {
		log.Debugf("closing probe after detach: %v", closeErr)
	}
	// Probes drop off the bus the moment they honour the detach, so the
	// request itself often errors out; what matters is re-enumeration.
	if detachErr != nil {
		log.Debugf("detach request returned %v, waiting for re-enumeration anyway", detachErr)
	}
	return s.waitForReenumeration(ctx)
}

// waitForReenumeration polls the bus until the probe shows up in
// bootloader mode, then retargets the session at the fresh snapshot.
func (s *Session) waitForReenumeration(ctx context.Context) error {
	attempts := int(s.opts.ReenumerateTimeout/s.opts.PollInterval) + 1
	var found probe.Probe
	err := retry.Call(retry.CallArgs{
		Clock:    s.opts.Clock,
		Attempts: attempts,
		Delay:    s.opts.PollInterval,
		Stop:     ctx.Done(),
		Func: func() error {
			probes, err := s.rescan()
			if err != nil {
				return err
			}
			for _, p := range probes {
				if p.Mode == probe.ModeBootloader && p.SameDevice(s.target) {
					found = p
					return nil
				}
			}
			return ErrDeviceDidNotReenumerate
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w within %v", ErrDeviceDidNotReenumerate, s.opts.ReenumerateTimeout)
	}
	log.Debugf("probe re-enumerated as %s", found)
	s.target = found
	return nil
}

// erase clears the flash pages the image will occupy.
func (s *Session) erase(ctx context.Context, length int, address uint32) error {
	pageSize := uint32(s.opts.PageSize)
	pages := (uint32(length) + pageSize - 1) / pageSize
	s.setPhase(PhaseErase, int(pages))

	for page := uint32(0); page < pages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		pageAddr := address + page*pageSize
		if err := s.download(0, dfuseCommand(dfuseErasePage, pageAddr)); err != nil {
			return fmt.Errorf("erasing page at %#x: %w", pageAddr, err)
		}
		s.report(int(page)+1, int(pages))
	}
	return nil
}

// program writes the image block by block, retrying individual blocks
// after clearing the device's error state.
func (s *Session) program(ctx context.Context, data []byte, address uint32) error {
	transferSize := s.transferSize()
	s.setPhase(PhaseProgram, len(data))

	if err := s.download(0, dfuseCommand(dfuseSetAddress, address)); err != nil {
		return fmt.Errorf("setting program address %#x: %w", address, err)
	}

	for offset, block := 0, 0; offset < len(data); offset, block = offset+transferSize, block+1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := offset + transferSize
		if end > len(data) {
			end = len(data)
		}
		// DfuSe block numbers start at 2: 0 carries commands, 1 is
		// reserved.
		if err := s.programBlock(uint16(block+2), data[offset:end]); err != nil {
			return fmt.Errorf("programming block %d at offset %#x: %w", block, offset, err)
		}
		s.report(end, len(data))
	}
	return nil
}

func (s *Session) programBlock(block uint16, data []byte) error {
	var err error
	for attempt := 0; attempt <= s.opts.BlockRetries; attempt++ {
		if err = s.download(block, data); err == nil {
			return nil
		}
		log.Debugf("block %d attempt %d failed: %v", block, attempt+1, err)
		// Clear the error state so the device accepts the retry.
		if clrErr := s.transport.Out(reqClrStatus, 0, nil); clrErr != nil {
			return fmt.Errorf("%w (and clearing status failed: %v)", err, clrErr)
		}
	}
	return err
}

// verify reads the programmed region back and compares it to the image.
// Devices that cannot upload skip verification.
func (s *Session) verify(ctx context.Context, data []byte, address uint32) error {
	if !s.opts.VerifyAfterProgram {
		return nil
	}
	if !s.transport.Descriptor().CanUpload() {
		log.Debug("probe cannot upload, skipping readback verification")
		return nil
	}
	s.setPhase(PhaseVerify, len(data))

	readback, err := s.readBack(ctx, address, len(data), func(done int) {
		s.report(done, len(data))
	})
	if err != nil {
		return err
	}
	if !bytes.Equal(readback, data) {
		return ErrVerifyMismatch
	}
	return nil
}

// manifest finishes the download phase with a zero-length transfer, which
// tells the bootloader to manifest the new firmware and restart.
func (s *Session) manifest() error {
	if err := s.download(0, dfuseCommand(dfuseSetAddress, firmware.FlashBase)); err != nil {
		return err
	}
	if err := s.transport.Out(reqDnload, 0, nil); err != nil {
		return err
	}
	// The device drops off the bus while manifesting; losing it here is
	// the expected outcome.
	if status, err := s.getStatus(); err == nil && status.Error != ErrOK {
		return fmt.Errorf("manifestation failed with %s", status.Error)
	}
	return nil
}

// ReadImage uploads length bytes of flash starting at address. Used to
// identify firmware on a probe that is stuck in its bootloader. The
// session must not have started flashing.
func (s *Session) ReadImage(ctx context.Context, address uint32, length int) ([]byte, error) {
	if s.phase != PhaseIdle {
		return nil, fmt.Errorf("cannot read flash in phase %s", s.phase)
	}
	if s.target.Mode != probe.ModeBootloader {
		return nil, errors.New("flash readback needs the probe in bootloader mode")
	}
	transport, err := s.open(s.target)
	if err != nil {
		return nil, err
	}
	defer transport.Close()
	s.transport = transport
	defer func() { s.transport = nil }()

	if !transport.Descriptor().CanUpload() {
		return nil, errors.New("probe's DFU interface does not support uploads")
	}
	if err := s.ensureIdle(); err != nil {
		return nil, err
	}
	return s.readBack(ctx, address, length, nil)
}

// readBack drives DFU_UPLOAD over the given flash region. The device must
// already have its read pointer at address.
func (s *Session) readBack(ctx context.Context, address uint32, length int, progress func(int)) ([]byte, error) {
	transferSize := s.transferSize()
	if err := s.abortToIdle(); err != nil {
		return nil, err
	}
	if err := s.download(0, dfuseCommand(dfuseSetAddress, address)); err != nil {
		return nil, fmt.Errorf("setting read address %#x: %w", address, err)
	}
	if err := s.abortToIdle(); err != nil {
		return nil, err
	}

	data := make([]byte, 0, length)
	buf := make([]byte, transferSize)
	for block := 0; len(data) < length; block++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.transport.In(reqUpload, uint16(block+2), buf)
		if err != nil {
			return nil, fmt.Errorf("uploading block %d: %w", block, err)
		}
		data = append(data, buf[:n]...)
		if progress != nil {
			done := len(data)
			if done > length {
				done = length
			}
			progress(done)
		}
		if n < transferSize {
			break
		}
	}
	if len(data) < length {
		return nil, fmt.Errorf("flash readback ended after %d of %d bytes", len(data), length)
	}
	if err := s.abortToIdle(); err != nil {
		return nil, err
	}
	return data[:length], nil
}

func (s *Session) transferSize() int {
	if s.opts.TransferSize > 0 {
		return s.opts.TransferSize
	}
	if size := s.transport.Descriptor().TransferSize; size > 0 {
		return size
	}
	return defaultDescriptor.TransferSize
}

// download performs one DFU_DNLOAD and polls status until the device
// settles back into an idle state.
func (s *Session) download(block uint16, data []byte) error {
	if err := s.transport.Out(reqDnload, block, data); err != nil {
		return err
	}
	for {
		status, err := s.getStatus()
		if err != nil {
			return err
		}
		if status.Error != ErrOK {
			return fmt.Errorf("device reported %s in state %s", status.Error, status.State)
		}
		switch status.State {
		case StateDnbusy:
			// The device told us exactly how long the operation needs.
			if status.PollTimeout > 0 {
				<-s.opts.Clock.After(status.PollTimeout)
			}
		case StateDnloadSync:
			continue
		default:
			return nil
		}
	}
}

func (s *Session) getStatus() (Status, error) {
	buf := make([]byte, statusLength)
	n, err := s.transport.In(reqGetStatus, 0, buf)
	if err != nil {
		return Status{}, fmt.Errorf("reading DFU status: %w", err)
	}
	return parseStatus(buf[:n])
}

// ensureIdle brings the DFU interface to dfuIDLE, clearing a sticky error
// state first. Clearing is retried because the STM32 bootloader sometimes
// needs more than one DFU_CLRSTATUS to let go of an error.
func (s *Session) ensureIdle() error {
	for attempt := 0; attempt < 3; attempt++ {
		status, err := s.getStatus()
		if err != nil {
			return err
		}
		switch status.State {
		case StateDfuIdle:
			return nil
		case StateAppIdle, StateAppDetach:
			return errors.New("device is still in application mode")
		case StateError:
			if err := s.transport.Out(reqClrStatus, 0, nil); err != nil {
				return fmt.Errorf("clearing DFU error state: %w", err)
			}
		default:
			if err := s.transport.Out(reqAbort, 0, nil); err != nil {
				return fmt.Errorf("aborting to idle: %w", err)
			}
		}
	}
	return errors.New("device refuses to leave its error state")
}

func (s *Session) abortToIdle() error {
	if err := s.transport.Out(reqAbort, 0, nil); err != nil {
		return err
	}
	status, err := s.getStatus()
	if err != nil {
		return err
	}
	if status.State != StateDfuIdle {
		return fmt.Errorf("device in state %s after abort", status.State)
	}
	return nil
}
