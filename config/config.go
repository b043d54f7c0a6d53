// Package config loads the values named in the configuration surface:
// default -> YAML file -> environment variable, in that order of
// precedence. Adapted from the Loader/DefaultConfig split this module is
// grounded on, restructured around record-store paths, Sandbox/Maintenance
// tuning knobs, and confidence thresholds instead of server/LLM/database
// sections.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/abyssac/cogmem/internal/coordinator"
	"github.com/abyssac/cogmem/internal/maintenance"
	"github.com/abyssac/cogmem/internal/sandbox"
)

// Config is the complete set of tunables a running instance needs at
// startup. Every field here corresponds to a name enumerated in the
// configuration surface.
type Config struct {
	// RecordRoot is the root directory the Record Store, Concept
	// Navigation Graph, and event log all lay their trees under (the
	// <root> of the on-disk layout).
	RecordRoot string `yaml:"record_root" env:"RECORD_ROOT"`

	Sandbox     SandboxConfig     `yaml:"sandbox" env:"SANDBOX"`
	Maintenance MaintenanceConfig `yaml:"maintenance" env:"MAINTENANCE"`
	Confidence  ConfidenceConfig  `yaml:"confidence" env:"CONFIDENCE"`
	Coordinator CoordinatorConfig `yaml:"coordinator" env:"COORDINATOR"`
	Planner     PlannerConfig     `yaml:"planner" env:"PLANNER"`
	Server      ServerConfig      `yaml:"server" env:"SERVER"`
}

// PlannerConfig points at the external model endpoint every ModelPlanner
// role (Sandbox navigation, Maintenance review, Coordinator reply) calls.
// Left with an empty Endpoint, the daemon falls back to an offline
// planner.Deterministic so it can still start without a configured model.
type PlannerConfig struct {
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	APIKey   string `yaml:"api_key" env:"API_KEY"`
}

// ServerConfig tunes the daemon's admin HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// SandboxConfig tunes the Retrieval Sandbox's navigation loop and the
// model-call budget it runs under.
type SandboxConfig struct {
	MaxRoundsPerStage    int `yaml:"max_rounds_per_stage" env:"MAX_ROUNDS_PER_STAGE"`
	MaxNodesPerRequest   int `yaml:"max_nodes_per_request" env:"MAX_NODES_PER_REQUEST"`
	MaxRecordsPerRequest int `yaml:"max_records_per_request" env:"MAX_RECORDS_PER_REQUEST"`
	ModelTimeoutSeconds  int `yaml:"model_timeout_seconds" env:"MODEL_TIMEOUT_SECONDS"`
	SandboxBudgetSeconds int `yaml:"sandbox_budget_seconds" env:"SANDBOX_BUDGET_SECONDS"`
}

// MaintenanceConfig tunes trigger thresholds for the Maintenance Pipeline
// and the age at which tier-3 records become eligible for cleanup.
type MaintenanceConfig struct {
	WorkingMaxAgeSeconds int `yaml:"working_max_age_seconds" env:"WORKING_MAX_AGE_SECONDS"`
	IdleTriggerSeconds   int `yaml:"idle_trigger_seconds" env:"IDLE_TRIGGER_SECONDS"`
	BacklogThreshold     int `yaml:"backlog_threshold" env:"BACKLOG_THRESHOLD"`
	NavFailThreshold     int `yaml:"navfail_threshold" env:"NAVFAIL_THRESHOLD"`
}

// ConfidenceConfig tunes the display/retention bucket boundaries and the
// confidence new records are created with absent an explicit value.
type ConfidenceConfig struct {
	DisplayThreshold int `yaml:"confidence_display_threshold" env:"CONFIDENCE_DISPLAY_THRESHOLD"`
	DeleteThreshold  int `yaml:"confidence_delete_threshold" env:"CONFIDENCE_DELETE_THRESHOLD"`
	DefaultNew       int `yaml:"confidence_default_new" env:"CONFIDENCE_DEFAULT_NEW"`
}

// CoordinatorConfig tunes the exchange cycle itself.
type CoordinatorConfig struct {
	SelfRatingEvery int `yaml:"self_rating_every" env:"SELF_RATING_EVERY"`
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() *Config {
	return &Config{
		RecordRoot: "./data/records",
		Sandbox: SandboxConfig{
			MaxRoundsPerStage:    5,
			MaxNodesPerRequest:   200,
			MaxRecordsPerRequest: 100,
			ModelTimeoutSeconds:  30,
			SandboxBudgetSeconds: 60,
		},
		Maintenance: MaintenanceConfig{
			WorkingMaxAgeSeconds: 86400,
			IdleTriggerSeconds:   180,
			BacklogThreshold:     10,
			NavFailThreshold:     3,
		},
		Confidence: ConfidenceConfig{
			DisplayThreshold: 30,
			DeleteThreshold:  10,
			DefaultNew:       70,
		},
		Coordinator: CoordinatorConfig{
			SelfRatingEvery: 10,
		},
		Planner: PlannerConfig{},
		Server: ServerConfig{
			Addr: ":8090",
		},
	}
}

// SandboxSettings converts to the type sandbox.New expects.
func (c *Config) SandboxSettings() sandbox.Config {
	return sandbox.Config{
		MaxRoundsPerStage:    c.Sandbox.MaxRoundsPerStage,
		MaxNodesPerRequest:   c.Sandbox.MaxNodesPerRequest,
		MaxRecordsPerRequest: c.Sandbox.MaxRecordsPerRequest,
		ModelTimeout:         time.Duration(c.Sandbox.ModelTimeoutSeconds) * time.Second,
		Budget:               time.Duration(c.Sandbox.SandboxBudgetSeconds) * time.Second,
	}
}

// TriggerSettings converts to the type maintenance.SelectTask expects.
func (c *Config) TriggerSettings() maintenance.TriggerConfig {
	return maintenance.TriggerConfig{
		IdleTrigger:      c.Maintenance.IdleTriggerSeconds,
		BacklogThreshold: c.Maintenance.BacklogThreshold,
		NavFailThreshold: c.Maintenance.NavFailThreshold,
	}
}

// CoordinatorSettings converts to the type coordinator.New expects. The
// Picker is left nil; maintenance.SelectTask falls back to FirstPicker.
func (c *Config) CoordinatorSettings() coordinator.Config {
	return coordinator.Config{
		SelfRatingEvery:            c.Coordinator.SelfRatingEvery,
		DefaultNewRecordConfidence: c.Confidence.DefaultNew,
		WorkingMaxAge:              time.Duration(c.Maintenance.WorkingMaxAgeSeconds) * time.Second,
		Trigger:                    c.TriggerSettings(),
		Picker:                     nil,
	}
}

// Loader loads a Config from an optional YAML file with environment
// variable overrides layered on top, builder-style.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader returns a Loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "COGMEM",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path to load.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator registers a validation function run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load applies default -> YAML file -> environment variable, in that
// order, then runs any registered validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the config at path, panicking on failure. Intended for
// process startup in cmd/ where there is no sensible recovery path.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks invariants across sections that YAML/env parsing alone
// cannot enforce.
func (c *Config) Validate() error {
	var errs []string

	if c.Sandbox.MaxRoundsPerStage <= 0 {
		errs = append(errs, "sandbox.max_rounds_per_stage must be positive")
	}
	if c.Sandbox.MaxNodesPerRequest <= 0 {
		errs = append(errs, "sandbox.max_nodes_per_request must be positive")
	}
	if c.Confidence.DefaultNew < 0 || c.Confidence.DefaultNew > 100 {
		errs = append(errs, "confidence.confidence_default_new must be within [0,100]")
	}
	if c.Confidence.DeleteThreshold >= c.Confidence.DisplayThreshold {
		errs = append(errs, "confidence.confidence_delete_threshold must be below confidence_display_threshold")
	}
	if c.Coordinator.SelfRatingEvery <= 0 {
		errs = append(errs, "coordinator.self_rating_every must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
