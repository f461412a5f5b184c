package di

import (
	"os"

	appservice "github.com/imgveil/imgveil-go-client/internal/application/service"
	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/cache"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/config"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/identity"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/logger"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/provision"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/transport"
)

// Container is a container for dependency injection
type Container struct {
	// Logger
	Logger *logger.Logger

	// Repositories
	ConfigRepository   *config.ConfigRepository
	IdentityRepository *identity.Repository

	// Services
	ConfigService *appservice.ConfigService
	ProxyService  *appservice.ProxyService

	// Infrastructure
	Registrar     *provision.Registrar
	TunnelFactory *transport.Factory
	Cache         *cache.LRUCache

	// Config
	Config *model.Config
}

// NewContainer creates a new Container instance
func NewContainer() *Container {
	return &Container{}
}

// Initialize initializes the container
func (c *Container) Initialize(configPath string) error {
	c.Logger = logger.NewLogger(os.Stdout, "info")

	c.ConfigRepository = config.NewConfigRepository()
	c.ConfigService = appservice.NewConfigService(c.ConfigRepository, c.Logger)

	var err error
	c.Config, err = c.ConfigService.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Set logger level based on configuration
	c.Logger.SetLevel(string(c.Config.LogLevel))

	// If log file is specified, use file logger but still display output to terminal
	if c.Config.LogFile != "" {
		_, err := logger.NewFileLogger(c.Config.LogFile, string(c.Config.LogLevel))
		if err != nil {
			c.Logger.Error("Failed to create file logger: %v", err)
		} else {
			c.Logger.Info("Logs will also be written to file: %s", c.Config.LogFile)
		}
	}

	c.IdentityRepository = identity.NewRepository(c.Logger)
	c.Registrar = provision.NewRegistrar(c.Config.BrokerURL, c.Logger)
	c.TunnelFactory = transport.NewFactory(c.Config, c.Logger)
	c.Cache = cache.NewLRUCache(c.Config.MaxCacheBytes)

	c.ProxyService = appservice.NewProxyService(
		c.Config,
		c.IdentityRepository,
		c.Registrar,
		c.TunnelFactory,
		c.Cache,
		c.Logger,
	)

	return nil
}

// Close closes all resources
func (c *Container) Close() {
	if c.ProxyService != nil {
		// Best effort: Shutdown fails harmlessly when never initialized.
		c.ProxyService.Shutdown()
	}

	if c.Logger != nil {
		c.Logger.Close()
	}
}
