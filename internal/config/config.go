package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "60s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the engine configuration. Thresholds that would otherwise
// be magic numbers inside components (the undo window above all) live
// here.
type Config struct {
	Server struct {
		BaseURL string `yaml:"base_url"`
		WSURL   string `yaml:"ws_url"`
	} `yaml:"server"`

	Session struct {
		UndoWindow  Duration `yaml:"undo_window"`
		EventBuffer int      `yaml:"event_buffer"`
	} `yaml:"session"`

	Connection struct {
		BackoffMin Duration `yaml:"backoff_min"`
		BackoffMax Duration `yaml:"backoff_max"`
	} `yaml:"connection"`

	Cache struct {
		// Path of the sqlite cache file; empty disables the cache.
		Path          string   `yaml:"path"`
		KeepMessages  int      `yaml:"keep_messages"`
		PruneInterval Duration `yaml:"prune_interval"`
	} `yaml:"cache"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.Server.BaseURL = "http://localhost:8081"
	cfg.Server.WSURL = "ws://localhost:8081/ws"
	cfg.Session.UndoWindow = Duration(60 * time.Second)
	cfg.Session.EventBuffer = 256
	cfg.Connection.BackoffMin = Duration(500 * time.Millisecond)
	cfg.Connection.BackoffMax = Duration(30 * time.Second)
	cfg.Cache.KeepMessages = 500
	cfg.Cache.PruneInterval = Duration(10 * time.Minute)
	return cfg
}

// Load reads the YAML file at path, filling unset fields with defaults.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if loaded.Server.BaseURL != "" {
		cfg.Server.BaseURL = loaded.Server.BaseURL
	}
	if loaded.Server.WSURL != "" {
		cfg.Server.WSURL = loaded.Server.WSURL
	}
	if loaded.Session.UndoWindow > 0 {
		cfg.Session.UndoWindow = loaded.Session.UndoWindow
	}
	if loaded.Session.EventBuffer > 0 {
		cfg.Session.EventBuffer = loaded.Session.EventBuffer
	}
	if loaded.Connection.BackoffMin > 0 {
		cfg.Connection.BackoffMin = loaded.Connection.BackoffMin
	}
	if loaded.Connection.BackoffMax > 0 {
		cfg.Connection.BackoffMax = loaded.Connection.BackoffMax
	}
	if loaded.Cache.Path != "" {
		cfg.Cache.Path = loaded.Cache.Path
	}
	if loaded.Cache.KeepMessages > 0 {
		cfg.Cache.KeepMessages = loaded.Cache.KeepMessages
	}
	if loaded.Cache.PruneInterval > 0 {
		cfg.Cache.PruneInterval = loaded.Cache.PruneInterval
	}
	return cfg, nil
}
