package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/willibrandon/hostwatch/internal/logger"
)

// Watch re-reads the config file whenever it is written and calls onChange
// with the new configuration. A reload that fails to parse or validate is
// logged and the previous configuration stays active.
//
// Watch is a no-op when the configuration was built from defaults only.
func (c *Config) Watch(onChange func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}

	v := c.v
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		next, err := decode(v)
		if err != nil {
			logger.Error("config: reload failed, keeping previous config", "path", e.Name, "error", err)
			return
		}

		logger.Info("config: reloaded", "path", e.Name)
		onChange(next)
	})
	v.WatchConfig()
}
