package registry

// DeviceRecord is the persisted row for one canonical device.
type DeviceRecord struct {
	DeviceID             string
	Vendor               string
	Model                string
	Label                string
	FirmwareVariant      string
	FirmwareVersion      string
	BootloaderMode       bool
	Initialized          bool
	PinProtection        bool
	PassphraseProtection bool
	FirstSeen            int64
	LastSeen             int64
	FeaturesBlob         string
	SerialNumber         string
	SetupComplete        bool
	SetupStepCompleted   int
	EthAddress           string
	SetupStartedAt       int64
	SetupCompletedAt     int64
}

// SetupStep names the monotonic device setup state machine.
type SetupStep int

const (
	StepDeviceConnection SetupStep = iota
	StepVerifyBootloader
	StepVerifyFirmware
	StepSetupWallet
	StepComplete
)

// ConnectionLogEntry is one append-only row in device_connections.
type ConnectionLogEntry struct {
	ID             int64
	DeviceID       string
	ConnectedAt    int64
	DisconnectedAt *int64
}

// WalletXpub is one row of wallet_xpubs.
type WalletXpub struct {
	DeviceID    string
	Path        string
	Label       string
	CAIP        string
	Pubkey      string
	LastUpdated int64
}

// PortfolioBalance is one row of portfolio_balances.
type PortfolioBalance struct {
	DeviceID    string
	Pubkey      string
	CAIP        string
	NetworkID   string
	Ticker      string
	Address     string
	Balance     string
	BalanceUSD  string
	PriceUSD    string
	Type        string
	Validator   string
	LastUpdated int64
}

// PortfolioDashboard is one row of portfolio_dashboard, keyed by device_id.
type PortfolioDashboard struct {
	DeviceID      string
	TotalValueUSD string
	NetworksJSON  string
	AssetsJSON    string
	TotalAssets   int
	TotalNetworks int
	LastUpdated   int64
}

// FeeRateCacheEntry is one row of fee_rate_cache, keyed by CAIP.
type FeeRateCacheEntry struct {
	CAIP        string
	FeeRateJSON string
	LastUpdated int64
}

// CachedPubkey is one row of cached_pubkeys.
type CachedPubkey struct {
	DeviceID   string
	Path       string
	Coin       string
	ScriptType string
	Pubkey     string
	LastUpdated int64
}

// FrontloadProgress tracks a device's background cache-warming sweep.
type FrontloadProgress struct {
	DeviceID       string
	TotalPaths     int
	CompletedPaths int
	CurrentPath    string
	StartedAt      int64
	CompletedAt    *int64
}
