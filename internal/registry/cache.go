package registry

import (
	"database/sql"

	"keepkeyhost/internal/errs"
)

// UpsertWalletXpub stores or refreshes one derived xpub for a device.
func (r *Registry) UpsertWalletXpub(x WalletXpub) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`
		INSERT INTO wallet_xpubs (device_id, path, label, caip, pubkey, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, path, caip) DO UPDATE SET
			label = excluded.label, pubkey = excluded.pubkey, last_updated = excluded.last_updated
	`, x.DeviceID, x.Path, x.Label, x.CAIP, x.Pubkey, now())
	if err != nil {
		return errs.Storage("upsert wallet xpub", err)
	}
	return nil
}

// WalletXpubs returns every cached xpub for a device.
func (r *Registry) WalletXpubs(deviceID string) ([]WalletXpub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(`SELECT device_id, path, label, caip, pubkey, last_updated FROM wallet_xpubs WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, errs.Storage("list wallet xpubs", err)
	}
	defer rows.Close()

	var out []WalletXpub
	for rows.Next() {
		var x WalletXpub
		if err := rows.Scan(&x.DeviceID, &x.Path, &x.Label, &x.CAIP, &x.Pubkey, &x.LastUpdated); err != nil {
			return nil, errs.Storage("scan wallet xpub", err)
		}
		out = append(out, x)
	}
	return out, nil
}

// UpsertPortfolioBalance stores or refreshes one balance line for a device.
func (r *Registry) UpsertPortfolioBalance(b PortfolioBalance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`
		INSERT INTO portfolio_balances (
			device_id, pubkey, caip, network_id, ticker, address, balance,
			balance_usd, price_usd, type, validator, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, pubkey, caip, address, type, validator) DO UPDATE SET
			balance = excluded.balance, balance_usd = excluded.balance_usd,
			price_usd = excluded.price_usd, last_updated = excluded.last_updated
	`, b.DeviceID, b.Pubkey, b.CAIP, b.NetworkID, b.Ticker, b.Address, b.Balance,
		b.BalanceUSD, b.PriceUSD, b.Type, b.Validator, now())
	if err != nil {
		return errs.Storage("upsert portfolio balance", err)
	}
	return nil
}

// PortfolioBalances returns every cached balance line for a device.
func (r *Registry) PortfolioBalances(deviceID string) ([]PortfolioBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(`
		SELECT device_id, pubkey, caip, network_id, ticker, address, balance,
			balance_usd, price_usd, type, validator, last_updated
		FROM portfolio_balances WHERE device_id = ?
	`, deviceID)
	if err != nil {
		return nil, errs.Storage("list portfolio balances", err)
	}
	defer rows.Close()

	var out []PortfolioBalance
	for rows.Next() {
		var b PortfolioBalance
		if err := rows.Scan(&b.DeviceID, &b.Pubkey, &b.CAIP, &b.NetworkID, &b.Ticker, &b.Address,
			&b.Balance, &b.BalanceUSD, &b.PriceUSD, &b.Type, &b.Validator, &b.LastUpdated); err != nil {
			return nil, errs.Storage("scan portfolio balance", err)
		}
		out = append(out, b)
	}
	return out, nil
}

// SetPortfolioDashboard replaces the cached dashboard summary for a device.
func (r *Registry) SetPortfolioDashboard(d PortfolioDashboard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`
		INSERT INTO portfolio_dashboard (device_id, total_value_usd, networks_json, assets_json, total_assets, total_networks, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			total_value_usd = excluded.total_value_usd, networks_json = excluded.networks_json,
			assets_json = excluded.assets_json, total_assets = excluded.total_assets,
			total_networks = excluded.total_networks, last_updated = excluded.last_updated
	`, d.DeviceID, d.TotalValueUSD, d.NetworksJSON, d.AssetsJSON, d.TotalAssets, d.TotalNetworks, now())
	if err != nil {
		return errs.Storage("set portfolio dashboard", err)
	}
	return nil
}

// PortfolioDashboardFor returns the cached dashboard summary for a device.
func (r *Registry) PortfolioDashboardFor(deviceID string) (PortfolioDashboard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var d PortfolioDashboard
	err := r.db.QueryRow(`
		SELECT device_id, total_value_usd, networks_json, assets_json, total_assets, total_networks, last_updated
		FROM portfolio_dashboard WHERE device_id = ?
	`, deviceID).Scan(&d.DeviceID, &d.TotalValueUSD, &d.NetworksJSON, &d.AssetsJSON, &d.TotalAssets, &d.TotalNetworks, &d.LastUpdated)
	if err == sql.ErrNoRows {
		return PortfolioDashboard{}, errs.DeviceNotFound(deviceID)
	}
	if err != nil {
		return PortfolioDashboard{}, errs.Storage("get portfolio dashboard", err)
	}
	return d, nil
}

// SetFeeRateCache stores or refreshes the fee-rate snapshot for a CAIP.
func (r *Registry) SetFeeRateCache(e FeeRateCacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`
		INSERT INTO fee_rate_cache (caip, fee_rate_json, last_updated) VALUES (?, ?, ?)
		ON CONFLICT(caip) DO UPDATE SET fee_rate_json = excluded.fee_rate_json, last_updated = excluded.last_updated
	`, e.CAIP, e.FeeRateJSON, now())
	if err != nil {
		return errs.Storage("set fee rate cache", err)
	}
	return nil
}

// FeeRateCache returns the cached fee-rate snapshot for a CAIP, if any.
func (r *Registry) FeeRateCache(caip string) (FeeRateCacheEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var e FeeRateCacheEntry
	err := r.db.QueryRow(`SELECT caip, fee_rate_json, last_updated FROM fee_rate_cache WHERE caip = ?`, caip).
		Scan(&e.CAIP, &e.FeeRateJSON, &e.LastUpdated)
	if err == sql.ErrNoRows {
		return FeeRateCacheEntry{}, false, nil
	}
	if err != nil {
		return FeeRateCacheEntry{}, false, errs.Storage("get fee rate cache", err)
	}
	return e, true, nil
}

// UpsertCachedPubkey stores or refreshes one frontloaded pubkey.
func (r *Registry) UpsertCachedPubkey(p CachedPubkey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`
		INSERT INTO cached_pubkeys (device_id, path, coin, script_type, pubkey, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, path, coin, script_type) DO UPDATE SET
			pubkey = excluded.pubkey, last_updated = excluded.last_updated
	`, p.DeviceID, p.Path, p.Coin, p.ScriptType, p.Pubkey, now())
	if err != nil {
		return errs.Storage("upsert cached pubkey", err)
	}
	return nil
}

// CachedPubkeyFor looks up one frontloaded pubkey by its full key.
func (r *Registry) CachedPubkeyFor(deviceID, path, coin, scriptType string) (CachedPubkey, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var p CachedPubkey
	err := r.db.QueryRow(`
		SELECT device_id, path, coin, script_type, pubkey, last_updated
		FROM cached_pubkeys WHERE device_id = ? AND path = ? AND coin = ? AND script_type = ?
	`, deviceID, path, coin, scriptType).Scan(&p.DeviceID, &p.Path, &p.Coin, &p.ScriptType, &p.Pubkey, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return CachedPubkey{}, false, nil
	}
	if err != nil {
		return CachedPubkey{}, false, errs.Storage("get cached pubkey", err)
	}
	return p, true, nil
}

// StartFrontload records the beginning of a background cache-warming sweep
// for a device, replacing any prior progress row.
func (r *Registry) StartFrontload(deviceID string, totalPaths int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`
		INSERT INTO frontload_progress (device_id, total_paths, completed_paths, current_path, started_at, completed_at)
		VALUES (?, ?, 0, '', ?, NULL)
		ON CONFLICT(device_id) DO UPDATE SET
			total_paths = excluded.total_paths, completed_paths = 0, current_path = '',
			started_at = excluded.started_at, completed_at = NULL
	`, deviceID, totalPaths, now())
	if err != nil {
		return errs.Storage("start frontload", err)
	}
	return nil
}

// AdvanceFrontload records progress through a frontload sweep.
func (r *Registry) AdvanceFrontload(deviceID string, completedPaths int, currentPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`
		UPDATE frontload_progress SET completed_paths = ?, current_path = ? WHERE device_id = ?
	`, completedPaths, currentPath, deviceID)
	if err != nil {
		return errs.Storage("advance frontload", err)
	}
	return nil
}

// CompleteFrontload stamps a frontload sweep as finished.
func (r *Registry) CompleteFrontload(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`UPDATE frontload_progress SET completed_at = ? WHERE device_id = ?`, now(), deviceID)
	if err != nil {
		return errs.Storage("complete frontload", err)
	}
	return nil
}

// FrontloadStatus reports the current sweep progress for a device, if one
// has ever been started.
func (r *Registry) FrontloadStatus(deviceID string) (FrontloadProgress, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var p FrontloadProgress
	var completedAt sql.NullInt64
	err := r.db.QueryRow(`
		SELECT device_id, total_paths, completed_paths, current_path, started_at, completed_at
		FROM frontload_progress WHERE device_id = ?
	`, deviceID).Scan(&p.DeviceID, &p.TotalPaths, &p.CompletedPaths, &p.CurrentPath, &p.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return FrontloadProgress{}, false, nil
	}
	if err != nil {
		return FrontloadProgress{}, false, errs.Storage("get frontload status", err)
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Int64
	}
	return p, true, nil
}

// CacheTransaction stores or refreshes one raw transaction blob for a
// device, keyed by its txid.
func (r *Registry) CacheTransaction(deviceID, txid, rawJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`
		INSERT INTO transaction_cache (device_id, txid, raw_json, last_updated) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, txid) DO UPDATE SET raw_json = excluded.raw_json, last_updated = excluded.last_updated
	`, deviceID, txid, rawJSON, now())
	if err != nil {
		return errs.Storage("cache transaction", err)
	}
	return nil
}

// CachedTransaction looks up one previously cached raw transaction blob.
func (r *Registry) CachedTransaction(deviceID, txid string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rawJSON string
	err := r.db.QueryRow(`SELECT raw_json FROM transaction_cache WHERE device_id = ? AND txid = ?`, deviceID, txid).Scan(&rawJSON)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Storage("get cached transaction", err)
	}
	return rawJSON, true, nil
}

// TouchCacheMetadata records that a cache entry of the given kind/key was
// refreshed just now, with the supplied TTL. CacheMetadataFresh reads it
// back to decide whether a cached value needs revalidation.
func (r *Registry) TouchCacheMetadata(kind, key string, ttlSeconds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`
		INSERT INTO cache_metadata (kind, key, last_updated, ttl_seconds) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET last_updated = excluded.last_updated, ttl_seconds = excluded.ttl_seconds
	`, kind, key, now(), ttlSeconds)
	if err != nil {
		return errs.Storage("touch cache metadata", err)
	}
	return nil
}

// CacheMetadataFresh reports whether the cache entry of the given
// kind/key is still within its TTL. A missing entry is never fresh.
func (r *Registry) CacheMetadataFresh(kind, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lastUpdated int64
	var ttl int
	err := r.db.QueryRow(`SELECT last_updated, ttl_seconds FROM cache_metadata WHERE kind = ? AND key = ?`, kind, key).
		Scan(&lastUpdated, &ttl)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Storage("read cache metadata", err)
	}
	return now()-lastUpdated < int64(ttl), nil
}
