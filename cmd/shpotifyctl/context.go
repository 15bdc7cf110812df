package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shpotify/internal/broker"
	"shpotify/internal/config"
	"shpotify/internal/logging"
	"shpotify/internal/storage"
)

type commandContext struct {
	configFlag     *string
	connectTimeout time.Duration
	logLevel       string
	log            *logging.Logger

	configOnce sync.Once
	config     *config.AppConfig
	configErr  error

	// Overridable in tests
	newBroker  func(cfg *config.AppConfig, logger zerolog.Logger) *broker.Manager
	newObjects func(cfg *config.AppConfig) (storage.ObjectStore, error)
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{
		configFlag:     configFlag,
		connectTimeout: 10 * time.Second,
		logLevel:       string(logging.WarnLevel),
		log:            logging.NewLogger(logging.WarnLevel, zerolog.ConsoleWriter{Out: os.Stderr}),
		newBroker: func(cfg *config.AppConfig, logger zerolog.Logger) *broker.Manager {
			return broker.NewManagerFromConfig(cfg.Broker, logger, nil)
		},
		newObjects: func(cfg *config.AppConfig) (storage.ObjectStore, error) {
			return storage.NewMinioStore(cfg.Storage)
		},
	}
}

func (c *commandContext) ensureConfig() (*config.AppConfig, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.LoadConfig(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// applyLogLevel sets the level of the stderr logger; command output is never logged
func (c *commandContext) applyLogLevel() error {
	return c.log.SetLogLevel(logging.LogLevel(strings.ToLower(strings.TrimSpace(c.logLevel))))
}

func (c *commandContext) logger() zerolog.Logger {
	return c.log.Zerolog()
}

// withBroker connects to the broker, runs fn, then closes the connection
func (c *commandContext) withBroker(parent context.Context, fn func(ctx context.Context, mgr *broker.Manager) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	mgr := c.newBroker(cfg, c.logger())
	if err := mgr.Start(ctx); err != nil {
		cancel()
		return err
	}
	defer func() {
		cancel()
		<-mgr.Done()
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, c.connectTimeout)
	defer waitCancel()
	if err := mgr.WaitConnected(waitCtx); err != nil {
		return fmt.Errorf("broker not reachable within %s: %w", c.connectTimeout, err)
	}
	return fn(ctx, mgr)
}
