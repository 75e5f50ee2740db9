// Package lifecycle implements the USB discovery polling loop and the
// queue manager that hands out worker handles for it. This is the
// hardest single piece of the host: it reconciles a point-in-time USB
// enumeration against everything known from the previous tick, across
// plug/unplug churn, reboot-triggered vanish/reappear cycles, and the
// firmware-update recovery flow.
package lifecycle

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"keepkeyhost/internal/errs"
	"keepkeyhost/internal/eventbus"
	"keepkeyhost/internal/registry"
	"keepkeyhost/internal/transport"
	"keepkeyhost/internal/version"
	"keepkeyhost/internal/worker"
)

const (
	pollInterval       = 500 * time.Millisecond
	featuresTimeout    = 10 * time.Second
	postUpdateAttempts = 30
	postUpdateInterval = 1 * time.Second
	usbSettleDelay     = 2 * time.Second
)

// graceWindow is a var, not a const, solely so tests can shrink it
// instead of sleeping ten real seconds.
var graceWindow = 10 * time.Second

type knownEntry struct {
	desc           transport.Descriptor
	disconnectedAt *time.Time
}

// Manager owns the device inventory, alias map, and temporarily-
// disconnected set, and drives the queue manager and event bus from a
// single polling goroutine. known/aliases/temp are grouped under one
// mutex here rather than three independent locks, since nothing outside
// of Tick, GetOrCreateDeviceQueue and ResetUSBSubsystem ever touches
// them — see DESIGN.md
// for the rationale. The queue manager, recovery set, and event bus
// keep their own locks, and the documented acquire order (queue
// manager → this mutex → recovery set → event bus) still holds; no
// path here ever holds two of them at once.
type Manager struct {
	reg       *registry.Registry
	bus       *eventbus.Bus
	recovery  *version.RecoverySet
	queues    *queueManager
	enumerate func() ([]transport.Descriptor, error)
	spawn     func(transport.Descriptor) (*worker.Handle, error)

	mu      sync.Mutex
	known   map[string]*knownEntry
	aliases map[string]string
	temp    map[string]bool
}

// New builds a Manager. enumerate is injected so tests can drive the
// lifecycle algorithm without real USB hardware; production code passes
// transport.Enumerate.
func New(reg *registry.Registry, bus *eventbus.Bus, enumerate func() ([]transport.Descriptor, error)) *Manager {
	return &Manager{
		reg:       reg,
		bus:       bus,
		recovery:  version.NewRecoverySet(),
		queues:    newQueueManager(),
		enumerate: enumerate,
		spawn:     worker.Spawn,
		known:     make(map[string]*knownEntry),
		aliases:   make(map[string]string),
		temp:      make(map[string]bool),
	}
}

// SetSpawnFunc overrides how new workers are spawned. Production code
// never needs this; tests use it to substitute a fake transport instead
// of opening real USB hardware.
func (m *Manager) SetSpawnFunc(spawn func(transport.Descriptor) (*worker.Handle, error)) {
	m.spawn = spawn
}

// Run polls at pollInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick runs one pass of the per-tick algorithm. It is exported so tests
// can step the lifecycle deterministically instead of waiting on a timer.
func (m *Manager) Tick() {
	snapshot, err := m.enumerate()
	if err != nil {
		log.Printf("lifecycle: enumerate failed: %v", err)
		return
	}

	present := make(map[string]bool, len(snapshot))
	for _, d := range snapshot {
		k := d.Key()
		present[k] = true
		m.handlePresent(k, d)
	}
	m.sweepAbsent(present)
}

func (m *Manager) handlePresent(k string, d transport.Descriptor) {
	m.mu.Lock()
	entry, exists := m.known[k]
	if exists {
		wasDisconnected := entry.disconnectedAt != nil
		entry.disconnectedAt = nil
		entry.desc = d
		delete(m.temp, k)
		m.mu.Unlock()

		if !wasDisconnected {
			return
		}
		m.bus.EmitOrQueue("device:reconnected", map[string]any{"deviceId": k, "wasTemporary": true})

		canonical := m.resolveAlias(k)
		if m.recovery.Contains(k) || m.recovery.Contains(canonical) {
			go m.postUpdateReadinessWait(k, canonical)
		}
		return
	}

	m.known[k] = &knownEntry{desc: d}
	var aliasTarget string
	for ok, oe := range m.known {
		if ok == k {
			continue
		}
		if oe.disconnectedAt != nil && samePhysicalDevice(d, oe.desc) {
			aliasTarget = ok
			break
		}
	}
	if aliasTarget != "" {
		m.aliases[k] = aliasTarget
	}
	m.mu.Unlock()

	if aliasTarget != "" && (m.recovery.Contains(k) || m.recovery.Contains(aliasTarget)) {
		go m.postUpdateReadinessWait(k, aliasTarget)
	}

	if err := m.reg.RegisterDevice(descriptorToRecord(d)); err != nil {
		log.Printf("lifecycle: register device %s: %v", k, err)
	}
	if needsSetup, err := m.reg.DeviceNeedsSetup(k); err == nil && needsSetup {
		m.bus.EmitOrQueue("device:setup-required", map[string]any{
			"device_id": k, "device_name": d.Product, "serial_number": d.Serial,
		})
	}
	m.bus.EmitOrQueue("device:connected", map[string]any{
		"unique_id": k, "name": d.Product, "manufacturer": d.Manufacturer,
		"vid": d.VendorID, "pid": d.ProductID, "is_keepkey": true,
	})
	m.bus.EmitOrQueue("status:update", nil)
}

func (m *Manager) sweepAbsent(present map[string]bool) {
	var toRemoveQueue []string
	var toDrop []string

	m.mu.Lock()
	for k, entry := range m.known {
		if present[k] {
			continue
		}
		if entry.disconnectedAt == nil {
			t := time.Now()
			entry.disconnectedAt = &t
			m.temp[k] = true
			toRemoveQueue = append(toRemoveQueue, k)
		} else if time.Since(*entry.disconnectedAt) >= graceWindow {
			toDrop = append(toDrop, k)
		}
	}
	for _, k := range toDrop {
		delete(m.known, k)
		delete(m.temp, k)
	}
	m.mu.Unlock()

	for _, k := range toRemoveQueue {
		m.queues.remove(k)
	}
	for _, k := range toDrop {
		m.bus.EmitOrQueue("device:disconnected", map[string]any{"device_id": k})
	}
}

// resolveAlias follows the alias chain for id to its canonical target,
// stopping at the first id with no further alias (or after a bound, to
// tolerate an accidental cycle).
func (m *Manager) resolveAlias(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveAliasLocked(id)
}

func (m *Manager) resolveAliasLocked(id string) string {
	seen := make(map[string]bool)
	cur := id
	for {
		next, ok := m.aliases[cur]
		if !ok || seen[next] {
			return cur
		}
		seen[cur] = true
		cur = next
	}
}

// GetOrCreateDeviceQueue returns a handle to id's worker, spawning one
// over a freshly resolved transport if none is live.
func (m *Manager) GetOrCreateDeviceQueue(id string) (*worker.Handle, error) {
	m.mu.Lock()
	isTemp := m.temp[id]
	m.mu.Unlock()

	if !isTemp {
		if h, ok := m.queues.get(id); ok {
			return h.Clone(), nil
		}
	} else {
		m.queues.remove(id)
	}

	desc, err := m.resolveDescriptor(id)
	if err != nil {
		return nil, err
	}
	h, err := m.spawn(desc)
	if err != nil {
		return nil, err
	}
	m.queues.set(id, h)
	return h.Clone(), nil
}

func (m *Manager) resolveDescriptor(id string) (transport.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.known[id]; ok && e.disconnectedAt == nil {
		return e.desc, nil
	}

	canonical := m.resolveAliasLocked(id)
	if canonical != id {
		if e, ok := m.known[canonical]; ok && e.disconnectedAt == nil {
			return e.desc, nil
		}
	}

	if last, ok := m.known[id]; ok {
		for k, e := range m.known {
			if k == id || e.disconnectedAt != nil {
				continue
			}
			if samePhysicalDevice(last.desc, e.desc) {
				return e.desc, nil
			}
		}
	}

	return transport.Descriptor{}, errs.DeviceNotFound(id)
}

// postUpdateReadinessWait re-spawns a worker for id up to postUpdateAttempts
// times, one second apart, until a features fetch succeeds. id is only
// ever dropped from the recovery set once this returns, successful or not.
func (m *Manager) postUpdateReadinessWait(id, canonical string) {
	for attempt := 0; attempt < postUpdateAttempts; attempt++ {
		if fv, ok := m.tryGetFeatures(id); ok {
			m.bus.EmitOrQueue("device:ready-after-update", map[string]any{"deviceId": id, "firmwareVersion": fv})
			m.recovery.Clear(id)
			m.recovery.Clear(canonical)
			return
		}
		time.Sleep(postUpdateInterval)
	}
	m.bus.EmitOrQueue("device:recovery-failed", map[string]any{"deviceId": id, "suggestAction": "reset_usb"})
	m.recovery.Clear(id)
	m.recovery.Clear(canonical)
}

func (m *Manager) tryGetFeatures(id string) (string, bool) {
	h, err := m.GetOrCreateDeviceQueue(id)
	if err != nil {
		return "", false
	}
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), featuresTimeout)
	defer cancel()
	reply, err := h.GetFeatures(ctx)
	if err != nil {
		return "", false
	}
	var features struct {
		Version string `json:"version"`
	}
	_ = json.Unmarshal(reply.Payload, &features)
	return features.Version, true
}

// MarkUpdateInProgress flags deviceID so its next disconnect/reconnect
// cycle is treated as a reboot continuation rather than a real unplug.
func (m *Manager) MarkUpdateInProgress(deviceID string) {
	m.recovery.Mark(deviceID)
}

// GetConnectedDevices returns a fresh USB enumeration snapshot.
func (m *Manager) GetConnectedDevices() ([]transport.Descriptor, error) {
	return m.enumerate()
}

// ResetUSBSubsystem drops every live worker, alias, and temporarily-
// disconnected marker, clears the recovery set, announces the reset, and
// re-enumerates to repopulate.
func (m *Manager) ResetUSBSubsystem() {
	m.queues.reset()

	m.mu.Lock()
	m.aliases = make(map[string]string)
	m.temp = make(map[string]bool)
	m.mu.Unlock()

	m.recovery.ClearAll()
	m.bus.EmitOrQueue("usb:reset", nil)
	time.Sleep(usbSettleDelay)
	m.Tick()
}

func descriptorToRecord(d transport.Descriptor) registry.DeviceRecord {
	return registry.DeviceRecord{
		DeviceID:       d.Key(),
		Vendor:         d.Manufacturer,
		Model:          d.Product,
		Label:          d.Product,
		BootloaderMode: d.BootloaderMode,
		SerialNumber:   d.Serial,
	}
}
