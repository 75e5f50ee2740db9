package hostapi

import (
	"encoding/json"

	"keepkeyhost/internal/errs"
)

// featuresInfo is the subset of a device's Features reply this surface
// cares about. The wire payload itself stays opaque to internal/protocol
// and internal/worker, which treat protocol messages as an opaque
// tagged-union payload; this is the one place that peeks inside it,
// because composing DeviceStatus and BootloaderCheck requires reading
// identity fields out of it.
type featuresInfo struct {
	FirmwareVersion      string `json:"version"`
	BootloaderHash       string `json:"bootloader_hash"`
	BootloaderMode       bool   `json:"bootloaderMode"`
	Initialized          bool   `json:"initialized"`
	PinProtection        bool   `json:"pinProtection"`
	PinCached            bool   `json:"pinCached"`
	PassphraseProtection bool   `json:"passphraseProtection"`
	Label                string `json:"label"`
}

func parseFeatures(payload []byte) (featuresInfo, error) {
	var f featuresInfo
	if err := json.Unmarshal(payload, &f); err != nil {
		return featuresInfo{}, errs.InvalidData("parse device features", err)
	}
	return f, nil
}
