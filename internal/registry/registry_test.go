package registry

import (
	"testing"

	"keepkeyhost/internal/errs"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegisterDevicePreservesFirstSeen(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.RegisterDevice(DeviceRecord{DeviceID: "dev1", Label: "first"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	d1, err := r.GetDevice("dev1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := r.RegisterDevice(DeviceRecord{DeviceID: "dev1", Label: "second"}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	d2, err := r.GetDevice("dev1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if d2.Label != "second" {
		t.Errorf("expected label to refresh, got %q", d2.Label)
	}
	if d2.FirstSeen != d1.FirstSeen {
		t.Errorf("expected first_seen to be preserved across re-registration: %d != %d", d1.FirstSeen, d2.FirstSeen)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.GetDevice("missing")
	if !errs.Is(err, errs.KindDeviceNotFound) {
		t.Fatalf("expected DeviceNotFound, got %v", err)
	}
}

func TestSetupStepNeverRegresses(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterDevice(DeviceRecord{DeviceID: "dev1"}); err != nil {
		t.Fatal(err)
	}

	if err := r.UpdateDeviceSetupStep("dev1", StepSetupWallet); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateDeviceSetupStep("dev1", StepVerifyBootloader); err != nil {
		t.Fatal(err)
	}

	d, err := r.GetDevice("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if d.SetupStepCompleted != int(StepSetupWallet) {
		t.Errorf("expected step to stay at %d, got %d", StepSetupWallet, d.SetupStepCompleted)
	}
}

func TestDeviceNeedsSetupUntilMarkedComplete(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterDevice(DeviceRecord{DeviceID: "dev1"}); err != nil {
		t.Fatal(err)
	}

	needs, err := r.DeviceNeedsSetup("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if !needs {
		t.Error("freshly registered device should need setup")
	}

	if err := r.MarkDeviceSetupComplete("dev1"); err != nil {
		t.Fatal(err)
	}
	needs, err = r.DeviceNeedsSetup("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if needs {
		t.Error("device marked complete should no longer need setup")
	}

	if err := r.ResetDeviceSetup("dev1"); err != nil {
		t.Fatal(err)
	}
	needs, err = r.DeviceNeedsSetup("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if !needs {
		t.Error("device setup reset should need setup again")
	}
}

func TestIncompleteSetupDevices(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := r.RegisterDevice(DeviceRecord{DeviceID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.MarkDeviceSetupComplete("b"); err != nil {
		t.Fatal(err)
	}

	incomplete, err := r.IncompleteSetupDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(incomplete) != 2 {
		t.Fatalf("expected 2 incomplete devices, got %d", len(incomplete))
	}
	for _, d := range incomplete {
		if d.DeviceID == "b" {
			t.Error("device b should not appear in incomplete set")
		}
	}
}

func TestWalletXpubUpsertOverwritesSameKey(t *testing.T) {
	r := newTestRegistry(t)
	// wallet_xpubs.device_id references devices, and foreign keys are on.
	if err := r.RegisterDevice(DeviceRecord{DeviceID: "dev1"}); err != nil {
		t.Fatal(err)
	}
	x := WalletXpub{DeviceID: "dev1", Path: "m/44'/0'/0'", Label: "Bitcoin", CAIP: "bip122:000000000019d6689c085ae165831e93/slip44:0", Pubkey: "xpub1"}
	if err := r.UpsertWalletXpub(x); err != nil {
		t.Fatal(err)
	}
	x.Pubkey = "xpub2"
	if err := r.UpsertWalletXpub(x); err != nil {
		t.Fatal(err)
	}

	xs, err := r.WalletXpubs("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if len(xs) != 1 || xs[0].Pubkey != "xpub2" {
		t.Fatalf("expected single upserted row with latest pubkey, got %+v", xs)
	}
}

func TestFrontloadProgressLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.StartFrontload("dev1", 10); err != nil {
		t.Fatal(err)
	}
	if err := r.AdvanceFrontload("dev1", 5, "m/44'/0'/0'/0/5"); err != nil {
		t.Fatal(err)
	}

	p, ok, err := r.FrontloadStatus("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected frontload status to exist")
	}
	if p.CompletedPaths != 5 || p.TotalPaths != 10 {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if p.CompletedAt != nil {
		t.Error("expected CompletedAt to be nil before completion")
	}

	if err := r.CompleteFrontload("dev1"); err != nil {
		t.Fatal(err)
	}
	p, _, err = r.FrontloadStatus("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CompletedAt == nil {
		t.Error("expected CompletedAt to be set after completion")
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	if _, ok, err := r.GetPreference("theme"); err != nil || ok {
		t.Fatalf("expected no preference set, got ok=%v err=%v", ok, err)
	}

	if err := r.SetPreference("theme", "dark"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := r.GetPreference("theme")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "dark" {
		t.Fatalf("expected theme=dark, got %q ok=%v", v, ok)
	}
}

func TestIsFirstTimeInstallOnlyOnce(t *testing.T) {
	r := newTestRegistry(t)
	first, err := r.IsFirstTimeInstall()
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Error("expected first call to report first-time install")
	}
	second, err := r.IsFirstTimeInstall()
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Error("expected subsequent call to report not first-time")
	}
}

func TestOnboardingCompletedFlag(t *testing.T) {
	r := newTestRegistry(t)
	ok, err := r.IsOnboarded()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected fresh registry to be not onboarded")
	}
	if err := r.SetOnboardingCompleted(); err != nil {
		t.Fatal(err)
	}
	ok, err = r.IsOnboarded()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected onboarding to be marked complete")
	}
}
