package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
	"github.com/spf13/viper"
)

// ConfigRepository is an implementation of port.ConfigRepository
type ConfigRepository struct{}

// NewConfigRepository creates a new ConfigRepository instance
func NewConfigRepository() *ConfigRepository {
	return &ConfigRepository{}
}

// Load loads configuration from file
func (r *ConfigRepository) Load(configPath string) (*model.Config, error) {
	config := model.NewConfig()

	// If configPath is empty, look in the default location
	if configPath == "" {
		var err error
		configPath, err = r.GetDefaultPath()
		if err != nil {
			return nil, err
		}
	}

	// Missing config file means defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	if s := v.GetString("broker_url"); s != "" {
		config.BrokerURL = s
	}
	if s := v.GetString("relay_mode"); s != "" {
		config.RelayMode = model.RelayMode(s)
	}
	config.EndpointOverride = v.GetString("endpoint_override")
	if s := v.GetString("dns_server"); s != "" {
		config.DNSServer = s
	}
	config.StoragePath = v.GetString("storage_path")
	if n := v.GetInt64("max_cache_bytes"); n > 0 {
		config.MaxCacheBytes = n
	}
	if n := v.GetInt64("max_image_bytes"); n > 0 {
		config.MaxImageBytes = n
	}
	if n := v.GetInt("fetch_timeout_seconds"); n > 0 {
		config.FetchTimeout = time.Duration(n) * time.Second
	}
	if s := v.GetString("log_level"); s != "" {
		config.LogLevel = model.LogLevel(s)
	}
	config.LogFile = v.GetString("log_file")

	return config, nil
}

// Save saves configuration to file
func (r *ConfigRepository) Save(config *model.Config, configPath string) error {
	// If configPath is empty, use default location
	if configPath == "" {
		var err error
		configPath, err = r.GetDefaultPath()
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %v", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("broker_url", config.BrokerURL)
	v.Set("relay_mode", string(config.RelayMode))
	v.Set("endpoint_override", config.EndpointOverride)
	v.Set("dns_server", config.DNSServer)
	v.Set("storage_path", config.StoragePath)
	v.Set("max_cache_bytes", config.MaxCacheBytes)
	v.Set("max_image_bytes", config.MaxImageBytes)
	v.Set("fetch_timeout_seconds", int(config.FetchTimeout/time.Second))
	v.Set("log_level", string(config.LogLevel))
	v.Set("log_file", config.LogFile)

	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create new one
		if strings.Contains(err.Error(), "no such file") {
			return v.SafeWriteConfig()
		}
		return fmt.Errorf("error saving configuration: %v", err)
	}

	return nil
}

// GetDefaultPath returns the default path for configuration file
func (r *ConfigRepository) GetDefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %v", err)
	}

	return filepath.Join(homeDir, ".imgveil", "config.yaml"), nil
}

// Ensure ConfigRepository implements port.ConfigRepository
var _ port.ConfigRepository = (*ConfigRepository)(nil)
