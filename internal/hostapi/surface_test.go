package hostapi

import (
	"context"
	"testing"
	"time"

	"keepkeyhost/internal/errs"
	"keepkeyhost/internal/eventbus"
	"keepkeyhost/internal/lifecycle"
	"keepkeyhost/internal/registry"
	"keepkeyhost/internal/transport"
)

func newTestSurface(t *testing.T) (*Surface, *registry.Registry) {
	t.Helper()
	reg, err := registry.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	bus := eventbus.New()
	lc := lifecycle.New(reg, bus, func() ([]transport.Descriptor, error) { return nil, nil })
	return NewSurface(reg, lc, bus), reg
}

func TestCheckDeviceBootloaderFailsForUnknownDevice(t *testing.T) {
	s, _ := newTestSurface(t)
	// No enumerated devices means GetOrCreateDeviceQueue fails with
	// DeviceNotFound before CheckDeviceBootloader can even read
	// features, so no check result is returned.
	_, err := s.CheckDeviceBootloader(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected an error for an unknown device")
	}
	if !errs.Is(err, errs.KindDeviceNotFound) {
		t.Errorf("expected DeviceNotFound, got %v", err)
	}
}

func TestGetDeviceStatusReportsDisconnectedWithoutUpdateClaims(t *testing.T) {
	s, _ := newTestSurface(t)
	status, err := s.GetDeviceStatus(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetDeviceStatus should not itself error on an unreachable device: %v", err)
	}
	if status.Connected {
		t.Error("expected Connected=false for an unreachable device")
	}
	if status.NeedsBootloaderUpdate || status.NeedsFirmwareUpdate {
		t.Error("expected no update claims when features could not be read")
	}
}

func TestOnboardingAndPreferencesRoundTripThroughSurface(t *testing.T) {
	s, _ := newTestSurface(t)

	onboarded, err := s.IsOnboarded()
	if err != nil {
		t.Fatal(err)
	}
	if onboarded {
		t.Error("expected fresh surface to be not onboarded")
	}
	if err := s.SetOnboardingCompleted(); err != nil {
		t.Fatal(err)
	}
	onboarded, err = s.IsOnboarded()
	if err != nil {
		t.Fatal(err)
	}
	if !onboarded {
		t.Error("expected onboarding to be marked complete")
	}

	if err := s.SetPreference("theme", "dark"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetPreference("theme")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "dark" {
		t.Fatalf("expected theme=dark, got %q ok=%v", v, ok)
	}
}

func TestDeviceRegistryLifecycleThroughSurface(t *testing.T) {
	s, _ := newTestSurface(t)

	if err := s.RegisterDevice(registry.DeviceRecord{DeviceID: "dev1", Label: "KeepKey"}); err != nil {
		t.Fatal(err)
	}

	needs, err := s.DeviceNeedsSetup("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if !needs {
		t.Error("expected freshly registered device to need setup")
	}

	if err := s.MarkDeviceSetupComplete("dev1"); err != nil {
		t.Fatal(err)
	}
	devices, err := s.GetIncompleteSetupDevices()
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range devices {
		if d.DeviceID == "dev1" {
			t.Error("dev1 should no longer appear in the incomplete-setup set")
		}
	}

	if _, err := s.GetDeviceFromRegistry("nonexistent"); !errs.Is(err, errs.KindDeviceNotFound) {
		t.Errorf("expected DeviceNotFound, got %v", err)
	}
}

func TestFrontendReadyFlushesQueuedEventsToHub(t *testing.T) {
	s, _ := newTestSurface(t)
	s.bus.EmitOrQueue("device:connected", map[string]any{"unique_id": "dev1"})
	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	s.FrontendReady()

	select {
	case msg := <-ch:
		if msg.Name != "device:connected" {
			t.Errorf("expected device:connected, got %s", msg.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("expected queued event to flush to the hub")
	}
}
