// Package config resolves where the host keeps its persisted state: an
// env-file-then-env-var loader for the app-data directory and database
// path.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// HostConfig is the host's resolved runtime configuration.
type HostConfig struct {
	// DBPath is the SQLite file the registry opens. Empty means "use the
	// platform default under the app-data directory".
	DBPath string
	// APIPort is the port the host API listens on.
	APIPort int
}

var (
	loaded   *HostConfig
	isLoaded bool
)

const defaultAPIPort = 1646

// Load resolves configuration from a .env file (if present) in the
// project root, then environment variables, which take precedence.
func Load() (*HostConfig, error) {
	if loaded != nil && isLoaded {
		return loaded, nil
	}

	cfg := &HostConfig{APIPort: defaultAPIPort}

	envPath := filepath.Join(findProjectRoot(), ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), cfg)
	}

	if dbPath := os.Getenv("KEEPKEY_HOST_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if port := os.Getenv("KEEPKEY_HOST_API_PORT"); port != "" {
		if p, err := parsePort(port); err == nil {
			cfg.APIPort = p
		}
	}

	if cfg.DBPath == "" {
		dbPath, err := defaultDBPath()
		if err != nil {
			return nil, err
		}
		cfg.DBPath = dbPath
	}

	loaded = cfg
	isLoaded = true
	return cfg, nil
}

func parseEnvFile(content string, cfg *HostConfig) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "KEEPKEY_HOST_DB_PATH":
			cfg.DBPath = value
		case "KEEPKEY_HOST_API_PORT":
			if p, err := parsePort(value); err == nil {
				cfg.APIPort = p
			}
		}
	}
}

func parsePort(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// defaultDBPath resolves $HOME/.keepkey-host/keepkey-host.db (or its
// platform equivalent), creating the directory if needed.
func defaultDBPath() (string, error) {
	dir, err := appDataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "keepkey-host.db"), nil
}

// appDataDir resolves the per-platform app-data directory via a
// three-way switch on runtime.GOOS.
func appDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "KeepKeyHost"), nil
		}
		return filepath.Join(home, "AppData", "Roaming", "KeepKeyHost"), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KeepKeyHost"), nil
	default:
		return filepath.Join(home, ".keepkey-host"), nil
	}
}
