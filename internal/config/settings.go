package config

import (
	"log"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// NetworkSettings are the operator-editable network settings. They can be
// changed from the shell without restarting the terminal.
type NetworkSettings struct {
	MasterIP   string `mapstructure:"masterIp"`
	MasterPort int    `mapstructure:"masterPort"`
	Secret     string `mapstructure:"secret"`
	AutoSync   bool   `mapstructure:"autoSync"`
}

func DefaultNetworkSettings() NetworkSettings {
	return NetworkSettings{
		MasterPort: 3847,
		AutoSync:   true,
	}
}

// SettingsHolder exposes the current NetworkSettings and hot-reloads them
// when the settings file changes on disk.
type SettingsHolder struct {
	current atomic.Value // holds NetworkSettings
}

func NewSettingsHolder(cfg Config) (*SettingsHolder, error) {
	v := viper.New()

	v.SetConfigName("settings")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/giro")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GIRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultNetworkSettings()
	if cfg.MasterAddress != "" {
		host, port := splitHostPort(cfg.MasterAddress, defaults.MasterPort)
		defaults.MasterIP = host
		defaults.MasterPort = port
	}
	if cfg.MasterSecret != "" {
		defaults.Secret = cfg.MasterSecret
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("network.masterIp", defaults.MasterIP)
		v.SetDefault("network.masterPort", defaults.MasterPort)
		v.SetDefault("network.secret", defaults.Secret)
		v.SetDefault("network.autoSync", defaults.AutoSync)
	}

	var settings NetworkSettings
	if err := v.UnmarshalKey("network", &settings); err != nil {
		return nil, err
	}
	if settings.MasterPort == 0 {
		settings.MasterPort = defaults.MasterPort
	}

	holder := &SettingsHolder{}
	holder.current.Store(settings)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated NetworkSettings
		if err := v.UnmarshalKey("network", &updated); err != nil {
			log.Printf("[settings] reload failed: %v", err)
			return
		}
		if updated.MasterPort == 0 {
			updated.MasterPort = defaults.MasterPort
		}
		holder.current.Store(updated)
		log.Printf("[settings] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *SettingsHolder) Get() NetworkSettings {
	return h.current.Load().(NetworkSettings)
}

// Set replaces the current settings. Used when the shell persists new values
// through the settings repository rather than the file.
func (h *SettingsHolder) Set(s NetworkSettings) {
	h.current.Store(s)
}

func splitHostPort(addr string, defPort int) (string, int) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, defPort
	}
	host := addr[:idx]
	port := defPort
	if p := strings.TrimSpace(addr[idx+1:]); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 && parsed <= 65535 {
			port = parsed
		}
	}
	return host, port
}
