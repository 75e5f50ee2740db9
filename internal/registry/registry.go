// Package registry persists device identity and setup state across
// restarts. A single *sql.DB is guarded by a mutex so that observers
// never see writes reordered relative to the calls that issued them.
package registry

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"keepkeyhost/internal/errs"
)

// Registry is the device-state store. All exported methods take mu for
// their entire statement or transaction and release it before returning;
// none ever call into another subsystem while held.
type Registry struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// brings its schema up to date.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, errs.Storage("open database", err)
	}
	// SQLite serializes writers internally; a single connection avoids
	// "database is locked" errors from the driver's own pool.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{db: db}, nil
}

// OpenInMemory opens a private, non-shared in-memory database for tests.
func OpenInMemory() (*Registry, error) {
	return Open(":memory:")
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}

func now() int64 { return time.Now().Unix() }

// RegisterDevice inserts a new device row, or refreshes LastSeen and
// mutable feature fields on one already known. FirstSeen is preserved
// across re-registration.
func (r *Registry) RegisterDevice(d DeviceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := now()
	_, err := r.db.Exec(`
		INSERT INTO devices (
			device_id, vendor, model, label, firmware_variant, firmware_version,
			bootloader_mode, initialized, pin_protection, passphrase_protection,
			first_seen, last_seen, features, serial_number
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			vendor = excluded.vendor,
			model = excluded.model,
			label = excluded.label,
			firmware_variant = excluded.firmware_variant,
			firmware_version = excluded.firmware_version,
			bootloader_mode = excluded.bootloader_mode,
			initialized = excluded.initialized,
			pin_protection = excluded.pin_protection,
			passphrase_protection = excluded.passphrase_protection,
			last_seen = excluded.last_seen,
			features = excluded.features,
			serial_number = excluded.serial_number
	`,
		d.DeviceID, d.Vendor, d.Model, d.Label, d.FirmwareVariant, d.FirmwareVersion,
		d.BootloaderMode, d.Initialized, d.PinProtection, d.PassphraseProtection,
		ts, ts, d.FeaturesBlob, d.SerialNumber,
	)
	if err != nil {
		return errs.Storage("register device", err)
	}
	return nil
}

// FeatureUpdate is the subset of a device's Features reply that gets
// persisted back to its registry row on every status refresh.
type FeatureUpdate struct {
	FeaturesBlob         string
	FirmwareVersion      string
	Initialized          bool
	BootloaderMode       bool
	PinProtection        bool
	PassphraseProtection bool
	Label                string
}

// UpdateDeviceFeatures refreshes the feature snapshot, indexed flags, and
// LastSeen for an already-registered device without touching its setup
// state.
func (r *Registry) UpdateDeviceFeatures(deviceID string, f FeatureUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE devices SET features = ?, firmware_version = ?, initialized = ?,
			bootloader_mode = ?, pin_protection = ?, passphrase_protection = ?,
			label = ?, last_seen = ?
		WHERE device_id = ?
	`, f.FeaturesBlob, f.FirmwareVersion, f.Initialized,
		f.BootloaderMode, f.PinProtection, f.PassphraseProtection,
		f.Label, now(), deviceID)
	if err != nil {
		return errs.Storage("update device features", err)
	}
	return requireAffected(res, deviceID)
}

// GetDevice returns the stored record for deviceID.
func (r *Registry) GetDevice(deviceID string) (DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getDeviceLocked(deviceID)
}

func (r *Registry) getDeviceLocked(deviceID string) (DeviceRecord, error) {
	var d DeviceRecord
	var setupCompletedAt, setupStartedAt sql.NullInt64
	err := r.db.QueryRow(`
		SELECT device_id, vendor, model, label, firmware_variant, firmware_version,
			bootloader_mode, initialized, pin_protection, passphrase_protection,
			first_seen, last_seen, features, serial_number, setup_complete,
			setup_step_completed, eth_address, setup_started_at, setup_completed_at
		FROM devices WHERE device_id = ?
	`, deviceID).Scan(
		&d.DeviceID, &d.Vendor, &d.Model, &d.Label, &d.FirmwareVariant, &d.FirmwareVersion,
		&d.BootloaderMode, &d.Initialized, &d.PinProtection, &d.PassphraseProtection,
		&d.FirstSeen, &d.LastSeen, &d.FeaturesBlob, &d.SerialNumber, &d.SetupComplete,
		&d.SetupStepCompleted, &d.EthAddress, &setupStartedAt, &setupCompletedAt,
	)
	if err == sql.ErrNoRows {
		return DeviceRecord{}, errs.DeviceNotFound(deviceID)
	}
	if err != nil {
		return DeviceRecord{}, errs.Storage("get device", err)
	}
	d.SetupStartedAt = setupStartedAt.Int64
	d.SetupCompletedAt = setupCompletedAt.Int64
	return d, nil
}

// ListDevices returns every registered device, most recently seen first.
func (r *Registry) ListDevices() ([]DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`
		SELECT device_id, vendor, model, label, firmware_variant, firmware_version,
			bootloader_mode, initialized, pin_protection, passphrase_protection,
			first_seen, last_seen, features, serial_number, setup_complete,
			setup_step_completed, eth_address, setup_started_at, setup_completed_at
		FROM devices ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, errs.Storage("list devices", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var d DeviceRecord
		var setupStartedAt, setupCompletedAt sql.NullInt64
		if err := rows.Scan(
			&d.DeviceID, &d.Vendor, &d.Model, &d.Label, &d.FirmwareVariant, &d.FirmwareVersion,
			&d.BootloaderMode, &d.Initialized, &d.PinProtection, &d.PassphraseProtection,
			&d.FirstSeen, &d.LastSeen, &d.FeaturesBlob, &d.SerialNumber, &d.SetupComplete,
			&d.SetupStepCompleted, &d.EthAddress, &setupStartedAt, &setupCompletedAt,
		); err != nil {
			return nil, errs.Storage("scan device row", err)
		}
		d.SetupStartedAt = setupStartedAt.Int64
		d.SetupCompletedAt = setupCompletedAt.Int64
		out = append(out, d)
	}
	return out, nil
}

// DeviceNeedsSetup reports whether deviceID has not completed onboarding.
func (r *Registry) DeviceNeedsSetup(deviceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.getDeviceLocked(deviceID)
	if err != nil {
		return false, err
	}
	return !d.SetupComplete, nil
}

// UpdateDeviceSetupStep advances the monotonic setup state machine. It
// refuses to move the recorded step backwards, matching the original
// check_device_bootloader.rs behavior of never regressing progress a user
// has already made.
func (r *Registry) UpdateDeviceSetupStep(deviceID string, step SetupStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.getDeviceLocked(deviceID)
	if err != nil {
		return err
	}
	if int(step) <= d.SetupStepCompleted {
		return nil
	}

	ts := now()
	args := []any{int(step), ts, deviceID}
	query := `UPDATE devices SET setup_step_completed = ?, setup_started_at = COALESCE(setup_started_at, ?) WHERE device_id = ?`
	if d.SetupStartedAt != 0 {
		query = `UPDATE devices SET setup_step_completed = ? WHERE device_id = ?`
		args = []any{int(step), deviceID}
	}
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return errs.Storage("update setup step", err)
	}
	return requireAffected(res, deviceID)
}

// MarkDeviceSetupComplete marks onboarding finished for deviceID.
func (r *Registry) MarkDeviceSetupComplete(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE devices SET setup_complete = 1, setup_step_completed = ?, setup_completed_at = ?
		WHERE device_id = ?
	`, int(StepComplete), now(), deviceID)
	if err != nil {
		return errs.Storage("mark setup complete", err)
	}
	return requireAffected(res, deviceID)
}

// ResetDeviceSetup clears onboarding progress for deviceID so it runs
// through setup again. It is the only operation that lowers the setup
// step; the host API's reset-setup command is its caller.
func (r *Registry) ResetDeviceSetup(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE devices SET setup_complete = 0, setup_step_completed = 0,
			setup_started_at = NULL, setup_completed_at = NULL
		WHERE device_id = ?
	`, deviceID)
	if err != nil {
		return errs.Storage("reset device setup", err)
	}
	return requireAffected(res, deviceID)
}

// IncompleteSetupDevices returns every device whose onboarding has not
// been marked complete.
func (r *Registry) IncompleteSetupDevices() ([]DeviceRecord, error) {
	all, err := r.ListDevices()
	if err != nil {
		return nil, err
	}
	var out []DeviceRecord
	for _, d := range all {
		if !d.SetupComplete {
			out = append(out, d)
		}
	}
	return out, nil
}

// SetDeviceEthAddress records the derived Ethereum address used to key a
// device's portfolio data across reconnects.
func (r *Registry) SetDeviceEthAddress(deviceID, ethAddress string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.Exec(`UPDATE devices SET eth_address = ? WHERE device_id = ?`, ethAddress, deviceID)
	if err != nil {
		return errs.Storage("set device eth address", err)
	}
	return requireAffected(res, deviceID)
}

// LogConnection appends a device_connections row marking a new session.
func (r *Registry) LogConnection(deviceID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.Exec(`INSERT INTO device_connections (device_id, connected_at) VALUES (?, ?)`, deviceID, now())
	if err != nil {
		return 0, errs.Storage("log connection", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// LogDisconnection stamps a previously logged connection's disconnect time.
func (r *Registry) LogDisconnection(connectionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`UPDATE device_connections SET disconnected_at = ? WHERE id = ?`, now(), connectionID)
	if err != nil {
		return errs.Storage("log disconnection", err)
	}
	return nil
}

func requireAffected(res sql.Result, deviceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Storage("check rows affected", err)
	}
	if n == 0 {
		return errs.DeviceNotFound(deviceID)
	}
	return nil
}
