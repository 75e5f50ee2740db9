package registry

// schemaV1 creates every table the device registry needs: device
// identity and setup state, wallet/portfolio caches, fee-rate and
// pubkey caches, frontload progress, a transaction cache, and the
// asset/network/derivation-path reference tables.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS devices (
    device_id              TEXT PRIMARY KEY,
    vendor                 TEXT,
    model                  TEXT,
    label                  TEXT,
    firmware_variant       TEXT,
    firmware_version       TEXT,
    bootloader_mode        BOOLEAN,
    initialized            BOOLEAN,
    pin_protection         BOOLEAN,
    passphrase_protection  BOOLEAN,
    first_seen             INTEGER NOT NULL,
    last_seen              INTEGER NOT NULL,
    features               TEXT,
    serial_number           TEXT,
    setup_complete          BOOLEAN DEFAULT 0,
    setup_step_completed    INTEGER DEFAULT 0,
    eth_address             TEXT,
    setup_started_at        INTEGER,
    setup_completed_at      INTEGER
);

CREATE TABLE IF NOT EXISTS device_connections (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id        TEXT NOT NULL REFERENCES devices(device_id),
    connected_at     INTEGER NOT NULL,
    disconnected_at  INTEGER,
    session_data     TEXT
);
CREATE INDEX IF NOT EXISTS idx_device_connections_device ON device_connections(device_id);

CREATE TABLE IF NOT EXISTS wallet_xpubs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id    TEXT NOT NULL,
    path         TEXT NOT NULL,
    label        TEXT NOT NULL,
    caip         TEXT NOT NULL,
    pubkey       TEXT NOT NULL,
    last_updated INTEGER NOT NULL,
    UNIQUE(device_id, path, caip),
    FOREIGN KEY (device_id) REFERENCES devices(device_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS portfolio_balances (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id    TEXT NOT NULL,
    pubkey       TEXT NOT NULL,
    caip         TEXT NOT NULL,
    network_id   TEXT NOT NULL,
    ticker       TEXT NOT NULL,
    address      TEXT,
    balance      TEXT NOT NULL,
    balance_usd  TEXT NOT NULL,
    price_usd    TEXT NOT NULL,
    type         TEXT,
    validator    TEXT,
    last_updated INTEGER NOT NULL,
    UNIQUE(device_id, pubkey, caip, address, type, validator)
);

CREATE TABLE IF NOT EXISTS portfolio_dashboard (
    device_id       TEXT PRIMARY KEY,
    total_value_usd TEXT NOT NULL,
    networks_json   TEXT NOT NULL,
    assets_json     TEXT NOT NULL,
    total_assets    INTEGER,
    total_networks  INTEGER,
    last_updated    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolio_history (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id       TEXT NOT NULL,
    timestamp       INTEGER NOT NULL,
    total_value_usd TEXT NOT NULL,
    snapshot_json   TEXT
);

CREATE TABLE IF NOT EXISTS fee_rate_cache (
    caip          TEXT PRIMARY KEY,
    fee_rate_json TEXT NOT NULL,
    last_updated  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_pubkeys (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id    TEXT NOT NULL,
    path         TEXT NOT NULL,
    coin         TEXT NOT NULL,
    script_type  TEXT NOT NULL,
    pubkey       TEXT NOT NULL,
    last_updated INTEGER NOT NULL,
    UNIQUE(device_id, path, coin, script_type)
);

CREATE TABLE IF NOT EXISTS cache_metadata (
    kind         TEXT NOT NULL,
    key          TEXT NOT NULL,
    last_updated INTEGER NOT NULL,
    ttl_seconds  INTEGER NOT NULL,
    PRIMARY KEY (kind, key)
);

CREATE TABLE IF NOT EXISTS frontload_progress (
    device_id       TEXT PRIMARY KEY,
    total_paths     INTEGER NOT NULL,
    completed_paths INTEGER NOT NULL,
    current_path    TEXT,
    started_at      INTEGER NOT NULL,
    completed_at    INTEGER
);

CREATE TABLE IF NOT EXISTS transaction_cache (
    device_id    TEXT NOT NULL,
    txid         TEXT NOT NULL,
    raw_json     TEXT NOT NULL,
    last_updated INTEGER NOT NULL,
    PRIMARY KEY (device_id, txid)
);

CREATE TABLE IF NOT EXISTS assets (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    caip              TEXT NOT NULL UNIQUE,
    network_id        TEXT NOT NULL,
    chain_id          TEXT,
    symbol            TEXT NOT NULL,
    name              TEXT NOT NULL,
    asset_type        TEXT CHECK(asset_type IN ('native', 'token', 'nft')),
    is_native         BOOLEAN DEFAULT 0,
    contract_address  TEXT,
    decimals          INTEGER,
    source            TEXT DEFAULT 'bundled-catalog',
    created_at        INTEGER NOT NULL,
    last_updated      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS networks (
    network_id   TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    chain_id     TEXT,
    is_testnet   BOOLEAN DEFAULT 0
);

CREATE TABLE IF NOT EXISTS derivation_paths (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    path_id               TEXT NOT NULL UNIQUE,
    note                  TEXT,
    blockchain            TEXT NOT NULL,
    symbol                TEXT NOT NULL,
    script_type           TEXT,
    address_n_list        TEXT NOT NULL,
    address_n_list_master TEXT NOT NULL,
    curve                 TEXT NOT NULL DEFAULT 'secp256k1',
    is_default            BOOLEAN DEFAULT 0
);

CREATE TABLE IF NOT EXISTS path_asset_mapping (
    path_id  TEXT NOT NULL REFERENCES derivation_paths(path_id),
    caip     TEXT NOT NULL REFERENCES assets(caip),
    PRIMARY KEY (path_id, caip)
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
