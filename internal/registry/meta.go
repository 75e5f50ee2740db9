package registry

import (
	"database/sql"

	"keepkeyhost/internal/errs"
)

// Well-known meta keys. db_version is owned by migrations.go; these are
// owned by this file.
const (
	metaKeyOnboarded      = "onboarding_completed"
	metaKeyFirstInstall   = "first_time_install_seen"
	preferenceKeyPrefix   = "pref:"
)

// IsOnboarded reports whether the app-level onboarding flow has been
// completed, independent of any individual device's setup state.
func (r *Registry) IsOnboarded() (bool, error) {
	v, ok, err := r.getMeta(metaKeyOnboarded)
	if err != nil {
		return false, err
	}
	return ok && v == "1", nil
}

// SetOnboardingCompleted marks the app-level onboarding flow as finished.
func (r *Registry) SetOnboardingCompleted() error {
	return r.setMeta(metaKeyOnboarded, "1")
}

// IsFirstTimeInstall reports whether this is the first time the host has
// ever opened this database, and stamps the marker so the answer is false
// on every subsequent call. A database that already completed onboarding
// is never first-time, even if the marker itself was never stamped (e.g.
// a database carried over before the marker existed).
func (r *Registry) IsFirstTimeInstall() (bool, error) {
	_, seen, err := r.getMeta(metaKeyFirstInstall)
	if err != nil {
		return false, err
	}
	onboarded, err := r.IsOnboarded()
	if err != nil {
		return false, err
	}
	if seen || onboarded {
		return false, nil
	}
	if err := r.setMeta(metaKeyFirstInstall, "1"); err != nil {
		return false, err
	}
	return true, nil
}

// GetPreference returns a stored user preference, or ok=false if unset.
func (r *Registry) GetPreference(key string) (string, bool, error) {
	return r.getMeta(preferenceKeyPrefix + key)
}

// SetPreference stores a user preference value.
func (r *Registry) SetPreference(key, value string) error {
	return r.setMeta(preferenceKeyPrefix+key, value)
}

func (r *Registry) getMeta(key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var v string
	err := r.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Storage("read meta", err)
	}
	return v, true, nil
}

func (r *Registry) setMeta(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return errs.Storage("write meta", err)
	}
	return nil
}
