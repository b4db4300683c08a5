//go:build usblink

package dwire

// This file provides the production AdapterLink backend: a thin cgo
// binding to libusb-1.0, grounded on two sources — the original C
// implementation (original_source/.../DwPort.c), which drives the same
// LittleWire/Digispark gateway directly through libusb's
// usb_control_msg/usb_init/usbOpenDevice, and the pack's only USB debug
// probe precedent (other_examples/deadsy-jaylink), which wraps a C USB
// debug library the same way: a `#cgo pkg-config` directive and a handful
// of forwarding calls, with no protocol logic on the C side of the
// boundary. It is built only when the "usblink" tag is set, so importing
// this package never requires a C toolchain or libusb headers unless a
// caller actually wants the real hardware transport; tests exercise the
// protocol core entirely through the AdapterLink interface with a mock.

/*
#cgo pkg-config: libusb-1.0
#include <libusb-1.0/libusb.h>
#include <stdlib.h>

static libusb_device_handle *dwire_open(libusb_context *ctx, uint16_t vid, uint16_t pid) {
	return libusb_open_device_with_vid_pid(ctx, vid, pid);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

const (
	usbEndpointOut = C.LIBUSB_ENDPOINT_OUT
	usbEndpointIn  = C.LIBUSB_ENDPOINT_IN
	usbTypeVendor  = C.LIBUSB_REQUEST_TYPE_VENDOR
	usbRecipDevice = C.LIBUSB_RECIPIENT_DEVICE
)

// USBLink is the libusb-backed AdapterLink.
type USBLink struct {
	ctx    *C.libusb_context
	handle *C.libusb_device_handle
}

// OpenUSB opens the first LittleWire/Digispark gateway found on the bus.
func OpenUSB() (*USBLink, error) {
	var ctx *C.libusb_context
	if rc := C.libusb_init(&ctx); rc < 0 {
		return nil, fmt.Errorf("dwire: libusb_init: %s", C.GoString(C.libusb_error_name(rc)))
	}

	handle := C.dwire_open(ctx, C.uint16_t(VendorID), C.uint16_t(ProductID))
	if handle == nil {
		C.libusb_exit(ctx)
		return nil, fmt.Errorf("dwire: no LittleWire/Digispark gateway found (vid=%#04x pid=%#04x)", VendorID, ProductID)
	}

	return &USBLink{ctx: ctx, handle: handle}, nil
}

func (u *USBLink) controlTransfer(dir int, value uint16, data []byte) (int, error) {
	var ptr *C.uchar
	if len(data) > 0 {
		ptr = (*C.uchar)(unsafe.Pointer(&data[0]))
	}

	rc := C.libusb_control_transfer(
		u.handle,
		C.uint8_t(dir|usbTypeVendor|usbRecipDevice),
		C.uint8_t(vendorRequest),
		C.uint16_t(value),
		0, // wIndex
		ptr,
		C.uint16_t(len(data)),
		C.uint(usbTimeout.Milliseconds()),
	)
	if rc < 0 {
		return 0, fmt.Errorf("dwire: libusb_control_transfer: %s", C.GoString(C.libusb_error_name(rc)))
	}
	return int(rc), nil
}

// ControlOut implements AdapterLink.
func (u *USBLink) ControlOut(value uint16, data []byte) (int, error) {
	return u.controlTransfer(usbEndpointOut, value, data)
}

// ControlIn implements AdapterLink.
func (u *USBLink) ControlIn(value uint16, buf []byte) (int, error) {
	return u.controlTransfer(usbEndpointIn, value, buf)
}

// Close releases the USB handle and libusb context.
func (u *USBLink) Close() error {
	C.libusb_close(u.handle)
	C.libusb_exit(u.ctx)
	return nil
}
