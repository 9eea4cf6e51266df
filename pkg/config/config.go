// Package config provides configuration loading for the update agent.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the structure of the agent.yaml file.
type Config struct {
	// DeviceID identifies this device on the event bus. Required.
	DeviceID string `yaml:"device_id" validate:"required"`

	// EventBus selects the transport: "gochannel" for in-process development,
	// "kafka" for a real orchestrator connection.
	EventBus     string   `yaml:"event_bus"      validate:"oneof=gochannel kafka"`
	KafkaBrokers []string `yaml:"kafka_brokers"`

	// DataDir holds the resume state file and the deployment history.
	DataDir string `yaml:"data_dir" validate:"required"`

	// SandboxRoot is where per-deployment work folders are created.
	SandboxRoot string `yaml:"sandbox_root" validate:"required"`

	// APIPort is the loopback status API port. Zero disables the API.
	APIPort int `yaml:"api_port" validate:"min=0,max=65535"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// ValidateManifestVersion rejects deployment manifests older than the
	// supported schema version.
	ValidateManifestVersion bool `yaml:"validate_manifest_version"`

	// SandboxGCSchedule is a cron expression for sweeping orphaned work
	// folders. Empty disables the sweep.
	SandboxGCSchedule string `yaml:"sandbox_gc_schedule"`

	// MarkerPath is the installed-criteria marker file used by the script
	// handler.
	MarkerPath string `yaml:"marker_path"`

	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used when no file is present. The device
// id still has to come from the file, a flag or the environment.
func Default() Config {
	return Config{
		EventBus:                "gochannel",
		DataDir:                 "/var/lib/updagent",
		SandboxRoot:             "/var/lib/updagent/downloads",
		APIPort:                 8085,
		LogLevel:                "info",
		ValidateManifestVersion: true,
		SandboxGCSchedule:       "0 3 * * *",
		MarkerPath:              "/var/lib/updagent/installed",
	}
}

// Load reads and validates an agent configuration file. Values absent from
// the file keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads the file when it exists and falls back to defaults
// otherwise. A file that exists but fails to parse or validate is an error.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	return Load(path)
}

// Validate checks structural constraints and the cross-field rules the struct
// tags cannot express.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid agent configuration: %w", err)
	}

	if cfg.EventBus == "kafka" && len(cfg.KafkaBrokers) == 0 {
		return fmt.Errorf("kafka event bus requires at least one broker")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing requires an OTLP endpoint")
	}

	return nil
}
