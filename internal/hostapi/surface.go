// Package hostapi exposes the thin command surface the UI invokes: no
// business logic of its own, it resolves state from the registry, the
// lifecycle manager, and the version catalog, and returns. Follows a
// gin.H error body, one handler method per command layout.
package hostapi

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"keepkeyhost/internal/errs"
	"keepkeyhost/internal/eventbus"
	"keepkeyhost/internal/lifecycle"
	"keepkeyhost/internal/registry"
	"keepkeyhost/internal/transport"
	"keepkeyhost/internal/version"
)

const statusFeaturesTimeout = 10 * time.Second

// DeviceStatus composes a device's connection/feature state with its
// version-gating classification.
type DeviceStatus struct {
	DeviceID              string `json:"device_id"`
	Connected             bool   `json:"connected"`
	BootloaderVersion     string `json:"bootloader_version,omitempty"`
	FirmwareVersion       string `json:"firmware_version,omitempty"`
	NeedsBootloaderUpdate bool   `json:"needs_bootloader_update"`
	NeedsFirmwareUpdate   bool   `json:"needs_firmware_update"`
	NeedsInitialization   bool   `json:"needs_initialization"`
	NeedsPINUnlock        bool   `json:"needs_pin_unlock"`
}

// BootloaderCheck is the result of check_device_bootloader. It is only
// ever returned alongside a nil error when the device's identity could be
// proven; an unresolvable hash is always a hard error, never a "not up to
// date" result.
type BootloaderCheck struct {
	DeviceID          string `json:"device_id"`
	BootloaderVersion string `json:"bootloader_version"`
	UpToDate          bool   `json:"up_to_date"`
}

// Surface is the host API. It holds no device-identity state of its own;
// everything it returns is resolved fresh from its three collaborators.
type Surface struct {
	reg       *registry.Registry
	lifecycle *lifecycle.Manager
	bus       *eventbus.Bus
	hub       *sseHub
	readyOnce sync.Once
}

// NewSurface wires a Surface over an already-open registry, a running
// lifecycle manager, and the process-wide event bus.
func NewSurface(reg *registry.Registry, lc *lifecycle.Manager, bus *eventbus.Bus) *Surface {
	return &Surface{reg: reg, lifecycle: lc, bus: bus, hub: newSSEHub()}
}

// GetFeatures resolves a worker for deviceID and fetches its Features
// reply, surfacing transport/protocol errors directly.
func (s *Surface) GetFeatures(ctx context.Context, deviceID string) ([]byte, error) {
	h, err := s.lifecycle.GetOrCreateDeviceQueue(deviceID)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	fctx, cancel := context.WithTimeout(ctx, statusFeaturesTimeout)
	defer cancel()
	reply, err := h.GetFeatures(fctx)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// GetConnectedDevices returns a fresh USB enumeration snapshot of
// attached signer devices.
func (s *Surface) GetConnectedDevices() ([]transport.Descriptor, error) {
	return s.lifecycle.GetConnectedDevices()
}

// GetDeviceStatus composes features, bootloader classification, and
// firmware latest-version lookup. If features cannot be fetched,
// Connected is false and no update claim is made — the caller must not
// infer "up to date" from a status it could not actually read.
func (s *Surface) GetDeviceStatus(ctx context.Context, deviceID string) (DeviceStatus, error) {
	status := DeviceStatus{DeviceID: deviceID}

	payload, err := s.GetFeatures(ctx, deviceID)
	if err != nil {
		return status, nil
	}
	status.Connected = true

	fi, err := parseFeatures(payload)
	if err != nil {
		return status, nil
	}
	status.FirmwareVersion = fi.FirmwareVersion
	status.NeedsInitialization = !fi.Initialized
	status.NeedsPINUnlock = fi.PinProtection && !fi.PinCached

	if blVersion, err := version.BootloaderVersionFromHash(fi.BootloaderHash); err == nil {
		status.BootloaderVersion = blVersion
		if blVersion != version.NoBootloaderHash {
			cls := version.Classify(version.Parse(blVersion), version.Parse(version.LatestBootloader))
			status.NeedsBootloaderUpdate = cls.UpdateNeeded
		}
	}

	if cat, err := version.Load(); err == nil && fi.FirmwareVersion != "" {
		cls := version.Classify(version.Parse(fi.FirmwareVersion), version.Parse(cat.LatestFirmware))
		status.NeedsFirmwareUpdate = cls.UpdateNeeded
	}

	update := registry.FeatureUpdate{
		FeaturesBlob:         string(payload),
		FirmwareVersion:      fi.FirmwareVersion,
		Initialized:          fi.Initialized,
		BootloaderMode:       fi.BootloaderMode,
		PinProtection:        fi.PinProtection,
		PassphraseProtection: fi.PassphraseProtection,
		Label:                fi.Label,
	}
	if err := s.reg.UpdateDeviceFeatures(deviceID, update); err != nil {
		log.Printf("hostapi: update device features for %s: %v", deviceID, err)
	}

	return status, nil
}

// CheckDeviceBootloader hard-fails with a security error whenever the
// device's bootloader identity cannot be proven; it never returns
// up-to-date as a fallback for that case.
func (s *Surface) CheckDeviceBootloader(ctx context.Context, deviceID string) (BootloaderCheck, error) {
	payload, err := s.GetFeatures(ctx, deviceID)
	if err != nil {
		return BootloaderCheck{}, err
	}
	fi, err := parseFeatures(payload)
	if err != nil {
		return BootloaderCheck{}, err
	}
	if fi.BootloaderHash == "" {
		return BootloaderCheck{}, errs.Security(fmt.Sprintf("device %s reported no bootloader hash; identity cannot be proven", deviceID))
	}

	blVersion, err := version.BootloaderVersionFromHash(fi.BootloaderHash)
	if err != nil {
		return BootloaderCheck{}, err
	}
	if blVersion == version.NoBootloaderHash {
		return BootloaderCheck{}, errs.Security(fmt.Sprintf("device %s bootloader hash not recognized; identity cannot be proven", deviceID))
	}

	cls := version.Classify(version.Parse(blVersion), version.Parse(version.LatestBootloader))
	return BootloaderCheck{DeviceID: deviceID, BootloaderVersion: blVersion, UpToDate: cls.Status == version.Current}, nil
}

func (s *Surface) RegisterDevice(rec registry.DeviceRecord) error {
	return s.reg.RegisterDevice(rec)
}

func (s *Surface) GetDeviceRegistry() ([]registry.DeviceRecord, error) {
	return s.reg.ListDevices()
}

func (s *Surface) GetDeviceFromRegistry(deviceID string) (registry.DeviceRecord, error) {
	return s.reg.GetDevice(deviceID)
}

func (s *Surface) UpdateDeviceSetupStep(deviceID string, step registry.SetupStep) error {
	return s.reg.UpdateDeviceSetupStep(deviceID, step)
}

func (s *Surface) MarkDeviceSetupComplete(deviceID string) error {
	return s.reg.MarkDeviceSetupComplete(deviceID)
}

func (s *Surface) DeviceNeedsSetup(deviceID string) (bool, error) {
	return s.reg.DeviceNeedsSetup(deviceID)
}

func (s *Surface) GetIncompleteSetupDevices() ([]registry.DeviceRecord, error) {
	return s.reg.IncompleteSetupDevices()
}

func (s *Surface) ResetDeviceSetup(deviceID string) error {
	return s.reg.ResetDeviceSetup(deviceID)
}

func (s *Surface) GetDeviceEthAddress(deviceID string) (string, error) {
	d, err := s.reg.GetDevice(deviceID)
	if err != nil {
		return "", err
	}
	return d.EthAddress, nil
}

// FrontendReady signals that the UI is ready to receive events. It is
// idempotent; repeat calls are no-ops.
func (s *Surface) FrontendReady() {
	s.bus.FrontendReady(s.hub)
}

func (s *Surface) IsFirstTimeInstall() (bool, error) { return s.reg.IsFirstTimeInstall() }
func (s *Surface) IsOnboarded() (bool, error)        { return s.reg.IsOnboarded() }
func (s *Surface) SetOnboardingCompleted() error     { return s.reg.SetOnboardingCompleted() }

func (s *Surface) DebugOnboardingState() (map[string]any, error) {
	onboarded, err := s.reg.IsOnboarded()
	if err != nil {
		return nil, err
	}
	incomplete, err := s.reg.IncompleteSetupDevices()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"onboarding_completed":          onboarded,
		"incomplete_setup_device_count": len(incomplete),
	}, nil
}

func (s *Surface) GetPreference(key string) (string, bool, error) { return s.reg.GetPreference(key) }
func (s *Surface) SetPreference(key, value string) error          { return s.reg.SetPreference(key, value) }

// ResetUSBSubsystem tears down and re-establishes the USB layer's
// in-memory bookkeeping.
func (s *Surface) ResetUSBSubsystem() {
	s.lifecycle.ResetUSBSubsystem()
}

// UpdateDeviceBootloader flags deviceID as mid-update so the lifecycle
// manager treats its next vanish/reappear as a reboot continuation. The
// firmware push itself is driven by the UI talking to the device
// directly; this host only needs to know an update is in flight.
func (s *Surface) UpdateDeviceBootloader(deviceID string) {
	s.lifecycle.MarkUpdateInProgress(deviceID)
}

func (s *Surface) UpdateDeviceFirmware(deviceID string) {
	s.lifecycle.MarkUpdateInProgress(deviceID)
}

// Greet is a diagnostic reachability check.
func (s *Surface) Greet(name string) string {
	return fmt.Sprintf("Hello, %s! The KeepKey host is running.", name)
}
