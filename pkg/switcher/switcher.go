// Package switcher implements the guided firmware switch: find a probe,
// work out what it runs, resolve the wanted release, and flash it.
package switcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/juju/retry"
	log "github.com/sirupsen/logrus"

	"github.com/blackmagic-debug/bmputil/pkg/dfu"
	"github.com/blackmagic-debug/bmputil/pkg/fetch"
	"github.com/blackmagic-debug/bmputil/pkg/firmware"
	"github.com/blackmagic-debug/bmputil/pkg/metadata"
	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

// ErrCancelled means the user declined the flash at the confirmation
// prompt.
var ErrCancelled = errors.New("firmware switch cancelled")

// ErrPlatformRequired means the probe's platform could not be determined
// and the caller must name it explicitly. Guessing would risk flashing
// firmware for the wrong hardware.
var ErrPlatformRequired = errors.New("cannot determine the probe's platform, pass it explicitly")

// Interactor is how the workflow asks the user to decide things it cannot
// decide alone. A non-interactive caller can wire in an implementation
// that errors out instead of prompting.
type Interactor interface {
	// SelectProbe picks one probe when several match.
	SelectProbe(probes []probe.Probe) (probe.Probe, error)
	// SelectVariant picks a firmware variant when the release offers more
	// than one for the platform.
	SelectVariant(res metadata.Resolution) (string, error)
	// Confirm gates the flash itself.
	Confirm(summary string) (bool, error)
}

// Request says which probe to switch and to what.
type Request struct {
	// Matcher narrows the probe scan.
	Matcher probe.Matcher
	// Selector names the release; the zero value means latest stable.
	Selector metadata.Selector
	// Platform overrides platform detection when PlatformSet is true.
	Platform    probe.Platform
	PlatformSet bool
	// Variant picks the firmware variant; empty auto-selects when the
	// release has exactly one, and prompts otherwise.
	Variant string
	// Force flashes even when the probe already runs the resolved release.
	Force bool
}

// Outcome reports what the workflow did.
type Outcome struct {
	Probe probe.Probe
	// Before is the identity the probe had going in, when one could be
	// determined.
	Before      probe.Identity
	BeforeKnown bool
	// Tag is the resolved release.
	Tag string
	// AlreadyCurrent is set when the probe already ran the resolved
	// release and nothing was flashed.
	AlreadyCurrent bool
	Flashed        bool
	// After is the identity reported after re-enumeration, when the probe
	// came back.
	After      probe.Identity
	AfterKnown bool
	// ResetFailed is set when flashing succeeded but the probe needed a
	// manual power cycle.
	ResetFailed bool
}

// Workflow wires the scanning, metadata, download and flashing machinery
// together.
type Workflow struct {
	Scan     func() ([]probe.Probe, error)
	Store    *metadata.Store
	Fetcher  *fetch.Fetcher
	Open     dfu.Opener
	Interact Interactor
	Options  dfu.Options
}

// Run executes the guided switch.
func (w *Workflow) Run(ctx context.Context, req Request) (*Outcome, error) {
	target, err := w.pickProbe(req.Matcher)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{Probe: target}

	identity, known := w.identify(ctx, target)
	outcome.Before, outcome.BeforeKnown = identity, known
	if known {
		log.Infof("probe reports %s", identity)
	} else {
		log.Warn("probe firmware could not be identified")
	}

	platform, err := choosePlatform(req, identity, known)
	if err != nil {
		return nil, err
	}

	index, err := w.Store.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if index.Stale {
		log.Warn("using a stale release index; the newest releases may be missing")
	}

	resolution, err := index.Resolve(req.Selector, platform)
	if err != nil {
		return nil, err
	}
	outcome.Tag = resolution.Tag
	log.Infof("resolved release %s for %s", resolution.Tag, platform)

	if !req.Force && known {
		if cmp, ok := identity.Version.Compare(resolution.Version); ok && cmp == 0 {
			outcome.AlreadyCurrent = true
			return outcome, nil
		}
	}

	asset, err := w.chooseAsset(resolution, req.Variant)
	if err != nil {
		return nil, err
	}

	data, err := w.Fetcher.Fetch(ctx, asset.URI, asset.Digest)
	if err != nil {
		return nil, err
	}
	image, address, err := prepareImage(data, target.Boot)
	if err != nil {
		return nil, fmt.Errorf("preparing %s: %w", asset.FileName, err)
	}

	summary := fmt.Sprintf("flash %s (%s, %s) to %s", asset.FriendlyName,
		resolution.Tag, humanize.IBytes(uint64(len(image.Data))), target.Product)
	confirmed, err := w.Interact.Confirm(summary)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, ErrCancelled
	}

	session := dfu.NewSession(target, w.Open, w.Scan, w.Options)
	flashErr := session.Flash(ctx, image, address)
	var reset *dfu.ResetError
	switch {
	case flashErr == nil:
	case errors.As(flashErr, &reset):
		outcome.ResetFailed = true
	default:
		return nil, flashErr
	}
	outcome.Flashed = true

	if after, ok := w.reidentify(ctx, session.Target()); ok {
		outcome.After, outcome.AfterKnown = after, true
		log.Infof("probe now reports %s", after)
	}
	return outcome, nil
}

// pickProbe scans the bus and narrows the result down to one probe,
// prompting when the filters leave several.
func (w *Workflow) pickProbe(matcher probe.Matcher) (probe.Probe, error) {
	probes, err := w.Scan()
	if err != nil {
		return probe.Probe{}, err
	}
	probes = matcher.Filter(probes)
	switch len(probes) {
	case 0:
		return probe.Probe{}, errors.New("no matching probe found")
	case 1:
		return probes[0], nil
	default:
		return w.Interact.SelectProbe(probes)
	}
}

// identify works out what firmware the probe runs. In application mode the
// product string says so directly; in bootloader mode the application is
// not running, so the flash content gets read back and searched instead.
func (w *Workflow) identify(ctx context.Context, target probe.Probe) (probe.Identity, bool) {
	if target.Mode == probe.ModeApplication {
		identity, err := target.Identity()
		if err != nil {
			log.Debugf("unparseable product string: %v", err)
			return probe.Identity{}, false
		}
		return identity, true
	}

	address, err := firmware.LoadAddress(target.Boot, firmware.TypeApplication)
	if err != nil {
		return probe.Identity{}, false
	}
	session := dfu.NewSession(target, w.Open, w.Scan, w.Options)
	data, err := session.ReadImage(ctx, address, readbackLength)
	if err != nil {
		log.Debugf("flash readback failed: %v", err)
		return probe.Identity{}, false
	}
	return firmware.Identify(data)
}

// readbackLength bounds how much flash gets read for identification. The
// product string sits in rodata well inside the first 64 KiB of every
// known build.
const readbackLength = 64 * 1024

func choosePlatform(req Request, identity probe.Identity, known bool) (probe.Platform, error) {
	if req.PlatformSet {
		return req.Platform, nil
	}
	if !known {
		return 0, ErrPlatformRequired
	}
	return identity.Platform, nil
}

func (w *Workflow) chooseAsset(res metadata.Resolution, variant string) (metadata.FirmwareAsset, error) {
	if variant == "" && len(res.Variants) > 1 {
		chosen, err := w.Interact.SelectVariant(res)
		if err != nil {
			return metadata.FirmwareAsset{}, err
		}
		variant = chosen
	}
	return res.Asset(variant)
}

// prepareImage flattens the downloaded asset and decides its load address.
func prepareImage(data []byte, kind probe.BootloaderKind) (firmware.Image, uint32, error) {
	image, err := firmware.Load(data)
	if err != nil {
		return firmware.Image{}, 0, err
	}
	typ, err := firmware.DetectType(image)
	if err != nil {
		return firmware.Image{}, 0, err
	}
	address, err := firmware.LoadAddress(kind, typ)
	if err != nil {
		return firmware.Image{}, 0, err
	}
	if image.HasBase && image.Base != address {
		return firmware.Image{}, 0, fmt.Errorf("image linked at %#x but the probe expects %s firmware at %#x",
			image.Base, typ, address)
	}
	return image, address, nil
}

// errNotBackYet drives the post-flash re-enumeration poll.
var errNotBackYet = errors.New("probe not back in application mode yet")

// reidentify polls the bus for the probe after flashing and parses its
// new product string. Rebooting into fresh firmware takes on the order
// of a second, so a single scan would nearly always miss it; absence
// after the full timeout is tolerated with a warning, since a probe
// that needed a manual power cycle is simply not back yet.
func (w *Workflow) reidentify(ctx context.Context, last probe.Probe) (probe.Identity, bool) {
	opts := w.Options.WithDefaults()
	var identity probe.Identity
	err := retry.Call(retry.CallArgs{
		Clock:    opts.Clock,
		Attempts: int(opts.ReenumerateTimeout/opts.PollInterval) + 1,
		Delay:    opts.PollInterval,
		Stop:     ctx.Done(),
		Func: func() error {
			probes, err := w.Scan()
			if err != nil {
				return err
			}
			for _, p := range probes {
				if p.Mode != probe.ModeApplication || !p.SameDevice(last) {
					continue
				}
				id, err := p.Identity()
				if err != nil {
					return fmt.Errorf("unparseable product string: %w", err)
				}
				identity = id
				return nil
			}
			return errNotBackYet
		},
	})
	if err != nil {
		log.Warnf("probe did not reappear in application mode within %v; unplug and replug it",
			opts.ReenumerateTimeout)
		return probe.Identity{}, false
	}
	return identity, true
}
