package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"chatseal/codec"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatseal"
	// EnvPrefix prefixes environment overrides, e.g. CHATSEAL_SWEEP_INTERVAL.
	EnvPrefix = "CHATSEAL"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = EnvPrefix + "_DATA_DIR"

	// StorageBackendSQLite keeps local state in the SQLite database.
	StorageBackendSQLite = "sqlite"
	// StorageBackendEKV keeps local key-value state in an encrypted ekv store.
	StorageBackendEKV = "ekv"

	// DefaultKeyExchangeTimeout bounds every key exchange round trip.
	DefaultKeyExchangeTimeout = 10 * time.Second
	// DefaultSweepInterval is how often expired messages are removed.
	DefaultSweepInterval = 30 * time.Second
	// DefaultLogLevel is the zerolog level used when none is configured.
	DefaultLogLevel = "info"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// storeDirName holds the ekv files when that backend is selected.
	storeDirName = "store"
)

// Configuration keys, shared by the config file and environment overrides.
const (
	keyDeviceID            = "device_id"
	keyBackendAddress      = "backend_address"
	keyKeyExchangeTimeout  = "key_exchange_timeout"
	keyCorruptionPositions = "corruption_positions"
	keySweepInterval       = "sweep_interval"
	keyStorageBackend      = "storage_backend"
	keyStoragePassword     = "storage_password"
	keyLogLevel            = "log_level"
)

// EngineConfig contains persistent engine settings.
type EngineConfig struct {
	DeviceID            string        `mapstructure:"device_id"`
	BackendAddress      string        `mapstructure:"backend_address"`
	KeyExchangeTimeout  time.Duration `mapstructure:"key_exchange_timeout"`
	CorruptionPositions []int         `mapstructure:"corruption_positions"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	StorageBackend      string        `mapstructure:"storage_backend"`
	StoragePassword     string        `mapstructure:"storage_password"`
	LogLevel            string        `mapstructure:"log_level"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATSEAL_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// StoreDir returns the ekv directory for a data directory.
func StoreDir(dataDir string) string {
	return filepath.Join(dataDir, storeDirName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		StoreDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault(keyDeviceID, "")
	v.SetDefault(keyBackendAddress, "")
	v.SetDefault(keyKeyExchangeTimeout, DefaultKeyExchangeTimeout)
	v.SetDefault(keyCorruptionPositions, codec.DefaultCorruptionPositions)
	v.SetDefault(keySweepInterval, DefaultSweepInterval)
	v.SetDefault(keyStorageBackend, StorageBackendSQLite)
	v.SetDefault(keyStoragePassword, "")
	v.SetDefault(keyLogLevel, DefaultLogLevel)
	return v
}

// Load reads config.json and applies CHATSEAL_* environment overrides.
func Load(path string) (*EngineConfig, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes cfg to path as JSON.
func Save(path string, cfg *EngineConfig) error {
	v := viper.New()
	v.SetConfigType("json")
	v.Set(keyDeviceID, cfg.DeviceID)
	v.Set(keyBackendAddress, cfg.BackendAddress)
	v.Set(keyKeyExchangeTimeout, cfg.KeyExchangeTimeout.String())
	v.Set(keyCorruptionPositions, cfg.CorruptionPositions)
	v.Set(keySweepInterval, cfg.SweepInterval.String())
	v.Set(keyStorageBackend, cfg.StorageBackend)
	v.Set(keyStoragePassword, cfg.StoragePassword)
	v.Set(keyLogLevel, cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restrict config permissions: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// config and the data directory it lives in.
func LoadOrCreate() (*EngineConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

func defaultConfig() *EngineConfig {
	return &EngineConfig{
		DeviceID:            uuid.NewString(),
		KeyExchangeTimeout:  DefaultKeyExchangeTimeout,
		CorruptionPositions: append([]int(nil), codec.DefaultCorruptionPositions...),
		SweepInterval:       DefaultSweepInterval,
		StorageBackend:      StorageBackendSQLite,
		LogLevel:            DefaultLogLevel,
	}
}

func normalizeDefaults(cfg *EngineConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.KeyExchangeTimeout <= 0 {
		cfg.KeyExchangeTimeout = DefaultKeyExchangeTimeout
		updated = true
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
		updated = true
	}

	if len(cfg.CorruptionPositions) == 0 {
		cfg.CorruptionPositions = append([]int(nil), codec.DefaultCorruptionPositions...)
		updated = true
	}

	backend := normalizeStorageBackend(cfg.StorageBackend)
	if cfg.StorageBackend != backend {
		cfg.StorageBackend = backend
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizeStorageBackend(backend string) string {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case StorageBackendEKV:
		return StorageBackendEKV
	default:
		return StorageBackendSQLite
	}
}
