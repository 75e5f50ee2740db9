package version

import (
	_ "embed"
	"encoding/json"
	"sync"

	"keepkeyhost/internal/errs"
)

//go:embed releases.json
var releasesRaw []byte

// Catalog is the parsed, disk-bundled releases file: a bootloader
// hash→version map plus the latest known bootloader/firmware versions,
// embedded directly into the binary so version checks never depend on
// a network round trip.
type Catalog struct {
	LatestBootloader string            `json:"latest_bootloader"`
	LatestFirmware   string            `json:"latest_firmware"`
	BootloaderHashes map[string]string `json:"bootloader_hashes"`
}

var (
	loadOnce    sync.Once
	loaded      Catalog
	loadErr     error
)

// Load parses the embedded releases catalog. It is cheap to call
// repeatedly; the parse happens once.
func Load() (Catalog, error) {
	loadOnce.Do(func() {
		loadErr = json.Unmarshal(releasesRaw, &loaded)
	})
	if loadErr != nil {
		return Catalog{}, errs.InvalidData("parse releases catalog", loadErr)
	}
	return loaded, nil
}

// BootloaderVersionFromHash resolves a bootloader hash to its version
// string via the catalog. It is pure and idempotent: the same hash
// always resolves to the same version for a given catalog. An absent or
// unrecognized hash resolves to NoBootloaderHash, per the safe-default
// policy — identity that cannot be proven is never assumed current.
func BootloaderVersionFromHash(hash string) (string, error) {
	if hash == "" {
		return NoBootloaderHash, nil
	}
	cat, err := Load()
	if err != nil {
		return NoBootloaderHash, err
	}
	v, ok := cat.BootloaderHashes[hash]
	if !ok {
		return NoBootloaderHash, nil
	}
	return v, nil
}
