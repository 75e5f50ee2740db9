package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"keepkeyhost/internal/eventbus"
	"keepkeyhost/internal/protocol"
	"keepkeyhost/internal/registry"
	"keepkeyhost/internal/transport"
	"keepkeyhost/internal/worker"
)

type recordedEvent struct {
	name    string
	payload any
}

// recordingSink is written to from the polling goroutine and the
// postUpdateReadinessWait goroutine, and read from tests that poll for an
// asynchronously emitted event, so it guards its slice with a mutex.
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Send(name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{name: name, payload: payload})
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.name)
	}
	return out
}

func (s *recordingSink) has(name string) bool {
	for _, n := range s.names() {
		if n == name {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, enumerate func() ([]transport.Descriptor, error)) (*Manager, *recordingSink) {
	t.Helper()
	reg, err := registry.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	bus := eventbus.New()
	sink := &recordingSink{}
	bus.FrontendReady(sink)

	return New(reg, bus, enumerate), sink
}

func descOf(key string) transport.Descriptor {
	return transport.Descriptor{BusAddress: key, Serial: key, VendorID: 0x2b24, ProductID: 0x0001, Product: "KeepKey"}
}

func TestTickRegistersNewDeviceAndEmitsConnectAndSetupRequired(t *testing.T) {
	present := []transport.Descriptor{descOf("KK1")}
	m, sink := newTestManager(t, func() ([]transport.Descriptor, error) { return present, nil })

	m.Tick()

	if !sink.has("device:connected") {
		t.Errorf("expected device:connected, got %v", sink.names())
	}
	if !sink.has("device:setup-required") {
		t.Errorf("expected device:setup-required for a freshly registered device, got %v", sink.names())
	}

	needsSetup, err := m.reg.DeviceNeedsSetup("KK1")
	if err != nil {
		t.Fatal(err)
	}
	if !needsSetup {
		t.Error("expected freshly registered device to need setup")
	}
}

func TestTickDoesNotReemitConnectedOnSubsequentTicks(t *testing.T) {
	present := []transport.Descriptor{descOf("KK1")}
	m, sink := newTestManager(t, func() ([]transport.Descriptor, error) { return present, nil })

	m.Tick()
	firstCount := len(sink.events)
	m.Tick()

	if len(sink.events) != firstCount {
		t.Errorf("expected no new events on steady-state tick, had %d now have %d: %v", firstCount, len(sink.events), sink.names())
	}
}

func TestDisconnectWithinGraceWindowReconnectsWithoutUserVisibleDisconnect(t *testing.T) {
	present := []transport.Descriptor{descOf("KK1")}
	var current []transport.Descriptor
	m, sink := newTestManager(t, func() ([]transport.Descriptor, error) { return current, nil })

	current = present
	m.Tick()

	current = nil
	m.Tick() // device vanishes; grace period starts

	if sink.has("device:disconnected") {
		t.Error("disconnect should not be published immediately; grace window has not elapsed")
	}

	current = present
	m.Tick() // device returns before grace window elapses

	if !sink.has("device:reconnected") {
		t.Errorf("expected device:reconnected, got %v", sink.names())
	}
	if sink.has("device:disconnected") {
		t.Error("device should never have been reported disconnected")
	}
}

func TestDisconnectBeyondGraceWindowPublishesDisconnected(t *testing.T) {
	graceWindow = 10 * time.Millisecond
	defer func() { graceWindow = 10 * time.Second }()

	present := []transport.Descriptor{descOf("KK1")}
	var current []transport.Descriptor
	m, sink := newTestManager(t, func() ([]transport.Descriptor, error) { return current, nil })

	current = present
	m.Tick()

	current = nil
	m.Tick() // grace starts
	time.Sleep(20 * time.Millisecond)
	m.Tick() // grace elapsed

	if !sink.has("device:disconnected") {
		t.Errorf("expected device:disconnected after grace window elapsed, got %v", sink.names())
	}
}

func TestAliasMapLinksReappearingDeviceAcrossIDShapeChange(t *testing.T) {
	serialDesc := transport.Descriptor{Serial: "KK0123456789ABCDEF012345", VendorID: 0x2b24, ProductID: 0x0001, Product: "KeepKey"}
	busDesc := transport.Descriptor{BusAddress: "1-4", VendorID: 0x2b24, ProductID: 0x0001, Product: "KeepKey"}

	var current []transport.Descriptor
	m, _ := newTestManager(t, func() ([]transport.Descriptor, error) { return current, nil })

	current = []transport.Descriptor{serialDesc}
	m.Tick()

	current = nil
	m.Tick() // serial device vanishes

	current = []transport.Descriptor{busDesc}
	m.Tick() // reappears with only a bus-address key visible

	canonical := m.resolveAlias(busDesc.Key())
	if canonical != serialDesc.Key() {
		t.Errorf("expected bus-address key to alias to the prior serial key, got %q", canonical)
	}
}

func TestGetOrCreateDeviceQueueReusesLiveHandle(t *testing.T) {
	present := []transport.Descriptor{descOf("KK1")}
	m, _ := newTestManager(t, func() ([]transport.Descriptor, error) { return present, nil })
	m.Tick()

	spawns := 0
	m.SetSpawnFunc(func(d transport.Descriptor) (*worker.Handle, error) {
		spawns++
		return worker.SpawnWithTransport(&fakeTransport{}), nil
	})

	h1, err := m.GetOrCreateDeviceQueue("KK1")
	if err != nil {
		t.Fatal(err)
	}
	defer h1.Close()
	h2, err := m.GetOrCreateDeviceQueue("KK1")
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Close()

	if _, ok := m.queues.get("KK1"); !ok {
		t.Error("expected a live handle to be tracked under KK1")
	}
	if spawns != 1 {
		t.Errorf("expected the second call to reuse the live handle, spawned %d workers", spawns)
	}
}

func TestResetUSBSubsystemEmitsResetAndRepopulates(t *testing.T) {
	present := []transport.Descriptor{descOf("KK1")}
	m, sink := newTestManager(t, func() ([]transport.Descriptor, error) { return present, nil })
	m.Tick()

	done := make(chan struct{})
	go func() {
		m.ResetUSBSubsystem()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ResetUSBSubsystem did not return in time")
	}

	if !sink.has("usb:reset") {
		t.Errorf("expected usb:reset event, got %v", sink.names())
	}
	m.mu.Lock()
	entry, tracked := m.known["KK1"]
	m.mu.Unlock()
	if !tracked || entry.disconnectedAt != nil {
		t.Error("expected KK1 to be tracked as connected after the reset's re-enumeration")
	}
}

func TestReappearingUnderNewIDDuringRecoveryEmitsReadyAfterUpdate(t *testing.T) {
	serialDesc := transport.Descriptor{Serial: "KK0123456789ABCDEF012345", VendorID: 0x2b24, ProductID: 0x0001, Product: "KeepKey"}
	busDesc := transport.Descriptor{BusAddress: "1-4", VendorID: 0x2b24, ProductID: 0x0001, Product: "KeepKey"}

	var current []transport.Descriptor
	m, sink := newTestManager(t, func() ([]transport.Descriptor, error) { return current, nil })

	current = []transport.Descriptor{serialDesc}
	m.Tick()

	m.recovery.Mark(serialDesc.Key())

	current = nil
	m.Tick() // device vanishes for the reboot

	m.SetSpawnFunc(func(d transport.Descriptor) (*worker.Handle, error) {
		return worker.SpawnWithTransport(&readyTransport{}), nil
	})

	current = []transport.Descriptor{busDesc}
	m.Tick() // reappears under a fresh bus-address id, aliasing to the serial id

	deadline := time.After(2 * time.Second)
	for !sink.has("device:ready-after-update") {
		select {
		case <-deadline:
			t.Fatalf("expected device:ready-after-update, got %v", sink.names())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if m.recovery.Contains(serialDesc.Key()) {
		t.Error("expected recovery flag cleared for the original serial id")
	}
	if m.recovery.Contains(busDesc.Key()) {
		t.Error("expected recovery flag cleared for the new bus-address id")
	}
}

// fakeTransport is a minimal deviceTransport stand-in: it never returns
// data, so any exchange against it times out rather than hanging forever.
type fakeTransport struct{}

func (f *fakeTransport) Write(report []byte) error { return nil }
func (f *fakeTransport) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return nil, context.DeadlineExceeded
}
func (f *fakeTransport) Close() error { return nil }

// readyTransport answers the first read with a Features reply, simulating a
// device that has finished rebooting and is ready to respond again.
type readyTransport struct {
	sent bool
}

func (f *readyTransport) Write(report []byte) error { return nil }
func (f *readyTransport) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if f.sent {
		return nil, context.DeadlineExceeded
	}
	f.sent = true
	reports := protocol.Chunk(protocol.Encode(protocol.Message{Type: protocol.MessageTypeFeatures, Payload: []byte(`{"version":"7.10.0"}`)}))
	return reports[0], nil
}
func (f *readyTransport) Close() error { return nil }
