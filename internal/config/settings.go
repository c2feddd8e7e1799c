package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// settingsFile is the YAML overlay shape. Only operational knobs that
// make sense to change without a restart live here.
type settingsFile struct {
	RateLimits  map[string]EndpointLimit `yaml:"rate_limits"`
	Concurrency map[string]int           `yaml:"concurrency"`
	KEKs        map[int]string           `yaml:"keks"`
	AskSim      *float64                 `yaml:"ask_sim_threshold"`
}

// applySettingsFile overlays the YAML settings file onto the config.
func (c *Config) applySettingsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var s settingsFile
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, limit := range s.RateLimits {
		c.EndpointLimits[name] = limit
	}
	for name, cap := range s.Concurrency {
		c.ConcurrencyCaps[name] = cap
	}
	for ver, key := range s.KEKs {
		if ver > 0 && key != "" {
			c.KEKs[ver] = key
			if ver > c.ActiveKEKVer {
				c.ActiveKEKVer = ver
			}
		}
	}
	if s.AskSim != nil {
		c.AskSimThreshold = *s.AskSim
	}
	return nil
}

// Watch re-applies the settings file whenever it changes. It blocks
// until the watcher fails or stop is closed, so run it in its own
// goroutine.
func (c *Config) Watch(stop <-chan struct{}, logger zerolog.Logger) error {
	if c.SettingsPath == "" {
		<-stop
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file atomically
	// still produce an event.
	if err := watcher.Add(filepath.Dir(c.SettingsPath)); err != nil {
		return fmt.Errorf("watch settings dir: %w", err)
	}

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(c.SettingsPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.applySettingsFile(c.SettingsPath); err != nil {
				logger.Warn().Err(err).Str("path", c.SettingsPath).Msg("settings reload failed")
				continue
			}
			logger.Info().Str("path", c.SettingsPath).Msg("settings reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("settings watcher error")
		}
	}
}
