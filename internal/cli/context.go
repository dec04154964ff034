package cli

import (
	"fmt"
	"sync"

	"atelier/internal/catalog"
	"atelier/internal/config"
	"atelier/internal/storage"
	"atelier/pkg/logger"

	"github.com/rs/zerolog"
)

// CLIContext carries what a command needs after the root command has loaded
// configuration. Storage is opened on first use.
type CLIContext struct {
	Config      *config.Config
	ConfigPath  string
	Logger      *zerolog.Logger
	StoragePath string
	Verbose     bool
	Quiet       bool

	storageOnce sync.Once
	storage     *storage.DB
	storageErr  error
}

// NewCLIContext creates a CLI context.
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger, storagePath string, verbose, quiet bool) *CLIContext {
	return &CLIContext{
		Config:      cfg,
		ConfigPath:  configPath,
		Logger:      log,
		StoragePath: storagePath,
		Verbose:     verbose,
		Quiet:       quiet,
	}
}

// GetStorage opens the database on first call.
func (c *CLIContext) GetStorage() (*storage.DB, error) {
	c.storageOnce.Do(func() {
		c.storage, c.storageErr = storage.Open(c.StoragePath)
	})
	return c.storage, c.storageErr
}

// Catalog builds the tool catalog from the configured source.
func (c *CLIContext) Catalog() (*catalog.Catalog, error) {
	source, err := config.ExpandPath(c.Config.Catalog.Source)
	if err != nil {
		return nil, err
	}
	if source == "" {
		return nil, fmt.Errorf("catalog.source is not configured")
	}
	return catalog.Build(source)
}

// GatewayURL is the base URL of the gateway described by the config.
func (c *CLIContext) GatewayURL() string {
	host := c.Config.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Config.Gateway.Port)
}

// Close releases anything opened lazily.
func (c *CLIContext) Close() error {
	if c.storage != nil {
		return c.storage.Close()
	}
	return nil
}

// Log returns the command logger.
func (c *CLIContext) Log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Get()
}
