package dfu

import (
	"fmt"

	"github.com/google/gousb"
	log "github.com/sirupsen/logrus"

	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

// Transport is the control-transfer surface a DFU session drives. The real
// implementation talks USB; tests substitute an in-memory device.
type Transport interface {
	// Out issues a host-to-device class request on the DFU interface.
	Out(request uint8, value uint16, data []byte) error
	// In issues a device-to-host class request on the DFU interface.
	In(request uint8, value uint16, data []byte) (int, error)
	// Descriptor returns the DFU functional descriptor the device
	// advertised, or conservative defaults when it hid it.
	Descriptor() FunctionalDescriptor
	Close() error
}

// Opener opens a transport to the given probe. Sessions re-open the
// device after every re-enumeration, so they hold an Opener rather than a
// Transport.
type Opener func(probe.Probe) (Transport, error)

// Control request types for the DFU interface, per USB 2.0 §9.3. gousb
// has no constant for the standard request type because its value is
// zero, so the standard encoding is just direction plus recipient.
const (
	requestTypeStandardIn = gousb.ControlIn | gousb.ControlInterface
	requestTypeClassOut   = gousb.ControlOut | gousb.ControlClass | gousb.ControlInterface
	requestTypeClassIn    = gousb.ControlIn | gousb.ControlClass | gousb.ControlInterface
)

// defaultDescriptor is assumed when a device does not answer the
// functional descriptor request. The 1 KiB transfer size matches every
// supported bootloader.
var defaultDescriptor = FunctionalDescriptor{
	Attributes:   attrCanDnload,
	TransferSize: 1024,
	Version:      0x011a,
}

type usbTransport struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	iface uint16
	desc  FunctionalDescriptor
}

// Open connects to the probe's DFU interface. The returned transport owns
// its USB context and device handle.
func Open(target probe.Probe) (Transport, error) {
	ctx := gousb.NewContext()
	transport, err := open(ctx, target)
	if err != nil {
		ctx.Close()
		return nil, err
	}
	transport.ctx = ctx
	return transport, nil
}

func open(ctx *gousb.Context, target probe.Probe) (*usbTransport, error) {
	dev, err := ctx.OpenDeviceWithVIDPID(target.VID, target.PID)
	if err != nil {
		return nil, fmt.Errorf("opening probe: %w", err)
	}
	if dev == nil {
		return nil, fmt.Errorf("probe %s is no longer present", target)
	}
	if dev.Desc.Bus != target.Bus || dev.Desc.Address != target.Address {
		// More than one device with this VID/PID is attached; walk the bus
		// for the exact one.
		dev.Close()
		dev, err = openExact(ctx, target)
		if err != nil {
			return nil, err
		}
	}

	if err := dev.SetAutoDetach(true); err != nil {
		log.Debugf("cannot auto-detach kernel driver: %v", err)
	}

	iface, ok := findDFUInterface(dev.Desc)
	if !ok {
		dev.Close()
		return nil, fmt.Errorf("probe %s exposes no DFU interface", target)
	}

	t := &usbTransport{dev: dev, iface: iface}
	t.desc = t.readFunctionalDescriptor()
	return t, nil
}

func openExact(ctx *gousb.Context, target probe.Probe) (*gousb.Device, error) {
	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == target.VID && desc.Product == target.PID &&
			desc.Bus == target.Bus && desc.Address == target.Address
	})
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("opening probe: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("probe %s is no longer present", target)
	}
	for _, extra := range devices[1:] {
		extra.Close()
	}
	return devices[0], nil
}

// findDFUInterface locates the application-specific/DFU interface in the
// device's first configuration.
func findDFUInterface(desc *gousb.DeviceDesc) (uint16, bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, setting := range intf.AltSettings {
				if setting.Class == classApplicationSpecific && setting.SubClass == subclassDFU {
					return uint16(intf.Number), true
				}
			}
		}
	}
	return 0, false
}

// readFunctionalDescriptor asks the device for its DFU functional
// descriptor directly. gousb does not surface the extra bytes appended to
// the interface descriptor, but every supported bootloader also answers
// GET_DESCRIPTOR for it.
func (t *usbTransport) readFunctionalDescriptor() FunctionalDescriptor {
	buf := make([]byte, functionalDescriptorLength)
	n, err := t.dev.Control(
		requestTypeStandardIn,
		0x06, // GET_DESCRIPTOR
		uint16(descriptorTypeDFUFunctional)<<8,
		t.iface, buf)
	if err != nil {
		log.Debugf("device does not answer DFU functional descriptor request: %v", err)
		return defaultDescriptor
	}
	desc, err := parseFunctionalDescriptor(buf[:n])
	if err != nil {
		log.Debugf("malformed DFU functional descriptor: %v", err)
		return defaultDescriptor
	}
	return desc
}

func (t *usbTransport) Out(request uint8, value uint16, data []byte) error {
	_, err := t.dev.Control(requestTypeClassOut, request, value, t.iface, data)
	return err
}

func (t *usbTransport) In(request uint8, value uint16, data []byte) (int, error) {
	return t.dev.Control(requestTypeClassIn, request, value, t.iface, data)
}

func (t *usbTransport) Descriptor() FunctionalDescriptor {
	return t.desc
}

func (t *usbTransport) Close() error {
	err := t.dev.Close()
	if t.ctx != nil {
		if ctxErr := t.ctx.Close(); err == nil {
			err = ctxErr
		}
	}
	return err
}
