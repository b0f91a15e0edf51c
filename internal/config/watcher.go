package config

import (
	"context"
	"os"
	"sync"
	"time"

	"bizmsg/internal/constants"
	"bizmsg/internal/models"

	"github.com/sirupsen/logrus"
)

// ConfigWatcher polls the configuration file and notifies callbacks with each
// successfully reloaded configuration.
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	logger     *logrus.Logger
	mu         sync.RWMutex
	config     *models.Config
	callbacks  []func(*models.Config)
}

// NewConfigWatcher creates a watcher that starts from an already loaded configuration.
// A zero interval polls every five seconds.
func NewConfigWatcher(configPath string, initial *models.Config, interval time.Duration, logger *logrus.Logger) *ConfigWatcher {
	if interval <= 0 {
		interval = time.Duration(constants.DefaultConfigWatchSec) * time.Second
	}
	return &ConfigWatcher{
		configPath: configPath,
		interval:   interval,
		logger:     logger,
		config:     initial,
		callbacks:  make([]func(*models.Config), 0),
	}
}

// Start polls the file for modifications until ctx is cancelled.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return err
	}
	lastModTime := stat.ModTime()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			stat, err := os.Stat(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}

			if stat.ModTime().After(lastModTime) {
				cw.logger.Debug("Configuration file changed")
				lastModTime = stat.ModTime()
				cw.reloadConfig()
			}
		}
	}
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback to be called when configuration changes
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration, keeping previous settings")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")

	for _, callback := range callbacks {
		cw.notify(callback, newConfig)
	}

	cw.logConfigChanges(oldConfig, newConfig)
}

func (cw *ConfigWatcher) notify(cb func(*models.Config), config *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			cw.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	cb(config)
}

// logConfigChanges logs notable configuration changes. Settings other than the
// sync schedule take effect on restart.
func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.Queue.SyncIntervalSec != new.Queue.SyncIntervalSec {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Queue.SyncIntervalSec,
			"new": new.Queue.SyncIntervalSec,
		}).Info("Sync interval changed")
	}

	if *old.Queue.Foreground != *new.Queue.Foreground {
		cw.logger.WithFields(logrus.Fields{
			"old": *old.Queue.Foreground,
			"new": *new.Queue.Foreground,
		}).Info("Foreground sync changed")
	}

	if old.Queue.MaxAttempts != new.Queue.MaxAttempts || old.API.BaseURL != new.API.BaseURL || old.Storage != new.Storage {
		cw.logger.Warn("Queue, API or storage settings changed; restart to apply")
	}
}
