// Package config loads the core's startup configuration: resource-discovery
// service addresses, transport and access plug-in wiring, and the
// hot-reloadable RDC directory and access lists.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from the "10s"/"2m" string
// form yaml files use, as well as from a bare integer nanosecond count.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(int64(v))
	default:
		return fmt.Errorf("config: invalid duration value %v", raw)
	}
	return nil
}

// RDCEntry names one resource-discovery service the mapper's map_lookup
// consults.
type RDCEntry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// TransportConfig describes one transport plug-in the core loads at
// startup.
type TransportConfig struct {
	Module string `yaml:"module"` // one of "tcp", "ws", "telegram"
	Bridge bool   `yaml:"bridge"` // true: peer is another core, handshake required
	Listen string `yaml:"listen,omitempty"`
	Params map[string]string `yaml:"params,omitempty"`
}

// AccessPluginConfig names the WASM module backing the access-control
// plug-in ABI (internal/accessplugin), loaded via load_acc_module.
type AccessPluginConfig struct {
	Path   string            `yaml:"path"`
	Params map[string]string `yaml:"params,omitempty"`
}

// Config is the core's startup configuration.
type Config struct {
	AppName string `yaml:"app_name"`

	// LogLevel and LogDir configure internal/telemetry's structured
	// logger; LogDir empty means stderr-only (no file sink).
	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"`

	RDCs       []RDCEntry        `yaml:"rdcs"`
	Transports []TransportConfig `yaml:"transports"`
	Access     *AccessPluginConfig `yaml:"access,omitempty"`

	// BlockingTimeout overrides internal/syncwait's default 5s
	// blocking-call timeout; zero means use the default.
	BlockingTimeout Duration `yaml:"blocking_timeout"`

	// StreamChunkSize overrides internal/streamep's default 500-byte
	// stream write chunk; zero means use the package default.
	StreamChunkSize int `yaml:"stream_chunk_size"`

	// RDCDirPath and AccessListPath point at the two files the hot-reload
	// watcher is safe to reload without restarting the core.
	RDCDirPath    string `yaml:"rdc_dir_path"`
	AccessListPath string `yaml:"access_list_path"`

	// RDCStorePath is the sqlite file internal/rdcstore persists the
	// resource-discovery directory cache and audit log to; empty means use
	// rdcstore.DefaultPath().
	RDCStorePath string `yaml:"rdc_store_path"`

	// Debug controls the internal/ctl debug/control channel.
	Debug DebugConfig `yaml:"debug"`

	// Obs controls OpenTelemetry export (internal/obs).
	Obs ObsConfig `yaml:"obs"`

	// Housekeeping controls the periodic stale-mapping GC sweep.
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

// DebugConfig configures the optional websocket debug/control channel.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
}

// ObsConfig configures OpenTelemetry export for the core.
type ObsConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// HousekeepingConfig configures the periodic stale-mapping/orphaned-pipe
// sweep (internal/housekeeping).
type HousekeepingConfig struct {
	Schedule   string   `yaml:"schedule"` // standard 5-field cron expression
	StaleAfter Duration `yaml:"stale_after"`
}

// Default returns a Config with sane defaults for every field a bare
// `-c cfg_path` omits.
func Default(appName string) Config {
	return Config{
		AppName:         appName,
		LogLevel:        "info",
		BlockingTimeout: Duration(5 * time.Second),
		StreamChunkSize: 500,
		Obs: ObsConfig{
			Exporter:    "stdout",
			ServiceName: "mwcore",
			SampleRate:  1.0,
		},
		Housekeeping: HousekeepingConfig{
			Schedule:   "*/1 * * * *",
			StaleAfter: Duration(2 * time.Minute),
		},
		Debug: DebugConfig{
			Listen: "127.0.0.1:18799",
		},
	}
}

// LoadRDCFile reads a standalone yaml file holding a list of RDC entries:
// the hot-reloadable form of Config.RDCs, pointed at by RDCDirPath.
func LoadRDCFile(path string) ([]RDCEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var entries []RDCEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return entries, nil
}

// LoadAccessListFile reads a standalone yaml file mapping endpoint ids to
// their allowed access subjects: the hot-reloadable form pointed at by
// AccessListPath.
func LoadAccessListFile(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	out := make(map[string][]string)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return out, nil
}

// Load reads and parses a YAML config file at path, overlaying onto
// Default(appName) so every field not present on disk keeps its default.
func Load(path, appName string) (Config, error) {
	cfg := Default(appName)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
