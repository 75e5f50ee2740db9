// Package transport opens the raw USB endpoint to one hardware signer and
// moves framed bytes in and out of it: the usual gousb context/device/
// config/interface/endpoint lifecycle, matching on the signer family's
// (vendor_id, product_id) pair and handing off to the protocol package's
// chunked frames.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"

	"keepkeyhost/internal/errs"
	"keepkeyhost/internal/protocol"
)

// VendorID and ProductID identify the signer family on the USB bus.
const (
	VendorID  gousb.ID = 0x2b24 // KeepKey
	ProductID gousb.ID = 0x0001
)

const (
	endpointOut   = 0x01
	endpointIn    = 0x81
	readTimeout   = 2 * time.Second
	writeTimeout  = 2 * time.Second
)

// Descriptor identifies one attached device on the bus, independent of
// whether the host has opened it yet. BusAddress is the transport-layer id
// ("bus+address" shape); Serial is populated once the device has reported
// its stable serial number (may be empty for a freshly enumerated device).
type Descriptor struct {
	BusAddress     string
	Serial         string
	VendorID       uint16
	ProductID      uint16
	Manufacturer   string
	Product        string
	BootloaderMode bool
}

// Key returns the identifier the lifecycle manager indexes known devices
// by: the serial if one is known, otherwise the bus address.
func (d Descriptor) Key() string {
	if d.Serial != "" {
		return d.Serial
	}
	return d.BusAddress
}

// Transport owns one USB device end to end. It is not safe for concurrent
// use — worker.Spawn is its only constructor and the worker goroutine is
// its only caller.
type Transport struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint
	desc  Descriptor
}

// Enumerate snapshots every currently attached signer on the bus. This
// is synchronous by design — the lifecycle manager calls it from its
// own polling goroutine, off the request-handling path.
func Enumerate() ([]Descriptor, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var out []Descriptor
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	if err != nil {
		return nil, errs.Transport("USB enumeration failed", err)
	}
	for _, d := range devs {
		out = append(out, describe(d))
		d.Close()
	}
	return out, nil
}

func describe(d *gousb.Device) Descriptor {
	manufacturer, _ := d.Manufacturer()
	product, _ := d.Product()
	serial, _ := d.SerialNumber()
	return Descriptor{
		BusAddress:   fmt.Sprintf("%d-%d", d.Desc.Bus, d.Desc.Address),
		Serial:       serial,
		VendorID:     uint16(d.Desc.Vendor),
		ProductID:    uint16(d.Desc.Product),
		Manufacturer: manufacturer,
		Product:      product,
	}
}

// Open claims the USB interface for the device matching desc.BusAddress and
// returns a ready-to-use Transport.
func Open(desc Descriptor) (*Transport, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Vendor == gousb.ID(desc.VendorID) && d.Product == gousb.ID(desc.ProductID) &&
			fmt.Sprintf("%d-%d", d.Bus, d.Address) == desc.BusAddress
	})
	if len(devs) == 0 && err != nil {
		ctx.Close()
		return nil, errs.Transport("failed to open USB device", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, errs.DeviceNotFound(desc.Key())
	}
	dev := devs[0]

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, errs.Transport("failed to set USB config", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, errs.Transport("failed to claim USB interface", err)
	}

	epOut, err := intf.OutEndpoint(endpointOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, errs.Transport("failed to open OUT endpoint", err)
	}

	epIn, err := intf.InEndpoint(endpointIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, errs.Transport("failed to open IN endpoint", err)
	}

	return &Transport{
		ctx: ctx, dev: dev, cfg: cfg, intf: intf,
		epOut: epOut, epIn: epIn, desc: desc,
	}, nil
}

// Descriptor returns the descriptor this transport was opened against.
func (t *Transport) Descriptor() Descriptor { return t.desc }

// Write sends one HID report. A USB error indicating the device vanished
// is normalized to errs.Disconnected.
func (t *Transport) Write(report []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := t.epOut.WriteContext(ctx, report); err != nil {
		if isDisconnect(err) {
			return errs.Disconnected(t.desc.Key())
		}
		return errs.Transport("USB write failed", err)
	}
	return nil
}

// Read reads one HID report, honoring ctx's deadline. timeout is the
// read's own bound layered on top of ctx (callers awaiting a button press
// pass a longer timeout than protocol reads that don't expect one).
func (t *Transport) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf := make([]byte, protocol.ReportSize)
	n, err := t.epIn.ReadContext(readCtx, buf)
	if err != nil {
		if readCtx.Err() == context.DeadlineExceeded {
			return nil, errs.Timeout("USB read timed out")
		}
		if isDisconnect(err) {
			return nil, errs.Disconnected(t.desc.Key())
		}
		return nil, errs.Transport("USB read failed", err)
	}
	return buf[:n], nil
}

// Close releases the interface, config, device and context, in that order.
func (t *Transport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}

// isDisconnect heuristically classifies a gousb error as the device having
// physically disappeared mid-I/O (vs. a transient protocol/timeout error).
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"no such device", "device not found", "disconnected", "device is gone", "i/o error"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
