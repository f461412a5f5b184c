package service

import (
	"fmt"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
)

// ConfigService is a service for managing configuration
type ConfigService struct {
	configRepo port.ConfigRepository
	logger     port.Logger
}

// NewConfigService creates a new ConfigService instance
func NewConfigService(configRepo port.ConfigRepository, logger port.Logger) *ConfigService {
	return &ConfigService{
		configRepo: configRepo,
		logger:     logger,
	}
}

// LoadConfig loads configuration from a file
func (s *ConfigService) LoadConfig(configPath string) (*model.Config, error) {
	// If configPath is empty, use the default path
	if configPath == "" {
		var err error
		configPath, err = s.configRepo.GetDefaultPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get default path: %v", err)
		}
	}

	config, err := s.configRepo.Load(configPath)
	if err != nil {
		s.logger.Warn("Failed to load configuration from %s: %v", configPath, err)
		// Return default configuration if loading fails
		return model.NewConfig(), nil
	}

	s.logger.Info("Configuration loaded from %s", configPath)

	return config, nil
}

// SaveConfig saves configuration to a file
func (s *ConfigService) SaveConfig(config *model.Config, configPath string) error {
	// If configPath is empty, use the default path
	if configPath == "" {
		var err error
		configPath, err = s.configRepo.GetDefaultPath()
		if err != nil {
			return fmt.Errorf("failed to get default path: %v", err)
		}
	}

	if err := s.configRepo.Save(config, configPath); err != nil {
		return fmt.Errorf("failed to save configuration: %v", err)
	}

	s.logger.Info("Configuration saved to %s", configPath)

	return nil
}

// SetBrokerURL sets the relay broker URL
func (s *ConfigService) SetBrokerURL(config *model.Config, brokerURL string) {
	config.BrokerURL = brokerURL
}

// SetRelayMode sets the relay datagram carrier mode
func (s *ConfigService) SetRelayMode(config *model.Config, mode string) {
	config.RelayMode = model.RelayMode(mode)
}

// SetMaxCacheBytes sets the cache capacity bound
func (s *ConfigService) SetMaxCacheBytes(config *model.Config, maxCacheBytes int64) {
	config.MaxCacheBytes = maxCacheBytes
}

// SetLogLevel sets the log level
func (s *ConfigService) SetLogLevel(config *model.Config, logLevel string) {
	config.LogLevel = model.LogLevel(logLevel)
}

// SetLogFile sets the log file
func (s *ConfigService) SetLogFile(config *model.Config, logFile string) {
	config.LogFile = logFile
}
