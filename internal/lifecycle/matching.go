package lifecycle

import (
	"regexp"

	"keepkeyhost/internal/transport"
)

var serialShape = regexp.MustCompile(`^[A-Za-z0-9]{24}$`)

// isSerialShape reports whether k looks like a signer's 24-char
// alphanumeric hardware serial, as opposed to a "bus-address" fallback
// key (e.g. "1-4").
func isSerialShape(k string) bool {
	return serialShape.MatchString(k)
}

// isBusAddressShape reports whether k looks like the "bus-address"
// fallback key a Descriptor falls back to when no serial is visible.
func isBusAddressShape(k string) bool {
	return !isSerialShape(k) && k != ""
}

// samePhysicalDevice decides whether a newly enumerated descriptor is
// plausibly the same physical unit as one that just vanished: same
// vendor/product family, and either an identical key or a serial-shape
// key paired with a bus-address-shape key (the device came back with
// its serial newly visible, or vice versa). Canonical-id / alias-map
// equality is checked by the caller before this is reached.
func samePhysicalDevice(a, b transport.Descriptor) bool {
	if a.VendorID != b.VendorID || a.ProductID != b.ProductID {
		return false
	}
	ak, bk := a.Key(), b.Key()
	if ak == bk {
		return true
	}
	return (isSerialShape(ak) && isBusAddressShape(bk)) || (isBusAddressShape(ak) && isSerialShape(bk))
}
