// Package config loads the daemon configuration from the aegis home
// directory and watches governance files for changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SandboxConfig controls the session container defaults.
type SandboxConfig struct {
	Image          string `yaml:"image"`
	DefaultProfile string `yaml:"default_profile"`
	InstallNetwork string `yaml:"install_network"`
	// Registry domains allowed outbound during the install phase.
	AllowedRegistries []string `yaml:"allowed_registries"`
}

// LoopConfig carries the execution loop thresholds. The collapse and
// error streak values are empirical; keep them tunable.
type LoopConfig struct {
	CollapseThreshold         int     `yaml:"collapse_threshold"`
	ConfidenceFloor           float64 `yaml:"confidence_floor"`
	ErrorStreakThreshold      int     `yaml:"error_streak_threshold"`
	CheckpointIntervalMinutes int     `yaml:"checkpoint_interval_minutes"`
	FixConfidenceFloor        float64 `yaml:"fix_confidence_floor"`
	MaxFixRetries             int     `yaml:"max_fix_retries"`
}

// BudgetConfig carries the per-session spend defaults.
type BudgetConfig struct {
	MaxCostUSD       float64 `yaml:"max_cost_usd"`
	MaxDurationHours float64 `yaml:"max_duration_hours"`
}

// ApprovalConfig controls the approval queue.
type ApprovalConfig struct {
	Capacity              int `yaml:"capacity"`
	DefaultTimeoutMinutes int `yaml:"default_timeout_minutes"`
}

// RetentionConfig mirrors the lifecycle sweep policy.
type RetentionConfig struct {
	SessionTTLDays           int    `yaml:"session_ttl_days"`
	MaxCheckpointsPerSession int    `yaml:"max_checkpoints_per_session"`
	CheckpointTTLHours       int    `yaml:"checkpoint_ttl_hours"`
	SweepSchedule            string `yaml:"sweep_schedule"`
}

// RecoveryConfig controls crash diagnosis.
type RecoveryConfig struct {
	StaleHeartbeatSeconds int `yaml:"stale_heartbeat_seconds"`
}

// TelemetryConfig controls the optional OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// PolicyPath overrides the default <home>/policy.yaml.
	PolicyPath string `yaml:"policy_path"`
	// ProfilesPath overrides the default <home>/profiles.yaml.
	ProfilesPath string `yaml:"profiles_path"`

	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Loop      LoopConfig      `yaml:"loop"`
	Budget    BudgetConfig    `yaml:"budget"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Retention RetentionConfig `yaml:"retention"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Sandbox: SandboxConfig{
			Image:          "python:3.12-slim",
			DefaultProfile: "standard",
			InstallNetwork: "aegis-install",
			AllowedRegistries: []string{
				"pypi.org",
				"files.pythonhosted.org",
				"registry.npmjs.org",
			},
		},
		Loop: LoopConfig{
			CollapseThreshold:         3,
			ConfidenceFloor:           0.5,
			ErrorStreakThreshold:      5,
			CheckpointIntervalMinutes: 15,
			FixConfidenceFloor:        0.15,
			MaxFixRetries:             3,
		},
		Budget: BudgetConfig{
			MaxCostUSD:       10,
			MaxDurationHours: 4,
		},
		Approval: ApprovalConfig{
			Capacity:              100,
			DefaultTimeoutMinutes: 30,
		},
		Retention: RetentionConfig{
			SessionTTLDays:           7,
			MaxCheckpointsPerSession: 3,
			CheckpointTTLHours:       48,
			SweepSchedule:            "0 * * * *",
		},
		Recovery: RecoveryConfig{
			StaleHeartbeatSeconds: 120,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "aegis",
			SampleRate:  1.0,
		},
	}
}

// HomeDir resolves the aegis home, overridable via AEGIS_HOME.
func HomeDir() string {
	if override := os.Getenv("AEGIS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".aegis")
}

// Load reads <home>/config.yaml over the defaults. A missing file is
// not an error; NeedsGenesis is set so the CLI can offer first-run
// setup.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads configuration rooted at a specific home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create aegis home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	if cfg.ProfilesPath == "" {
		cfg.ProfilesPath = filepath.Join(cfg.HomeDir, "profiles.yaml")
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = def.Sandbox.Image
	}
	if cfg.Sandbox.DefaultProfile == "" {
		cfg.Sandbox.DefaultProfile = def.Sandbox.DefaultProfile
	}
	if cfg.Sandbox.InstallNetwork == "" {
		cfg.Sandbox.InstallNetwork = def.Sandbox.InstallNetwork
	}
	if len(cfg.Sandbox.AllowedRegistries) == 0 {
		cfg.Sandbox.AllowedRegistries = def.Sandbox.AllowedRegistries
	}
	if cfg.Loop.CollapseThreshold <= 0 {
		cfg.Loop.CollapseThreshold = def.Loop.CollapseThreshold
	}
	if cfg.Loop.ConfidenceFloor <= 0 {
		cfg.Loop.ConfidenceFloor = def.Loop.ConfidenceFloor
	}
	if cfg.Loop.ErrorStreakThreshold <= 0 {
		cfg.Loop.ErrorStreakThreshold = def.Loop.ErrorStreakThreshold
	}
	if cfg.Loop.CheckpointIntervalMinutes <= 0 {
		cfg.Loop.CheckpointIntervalMinutes = def.Loop.CheckpointIntervalMinutes
	}
	if cfg.Loop.FixConfidenceFloor <= 0 {
		cfg.Loop.FixConfidenceFloor = def.Loop.FixConfidenceFloor
	}
	if cfg.Loop.MaxFixRetries <= 0 {
		cfg.Loop.MaxFixRetries = def.Loop.MaxFixRetries
	}
	if cfg.Budget.MaxCostUSD <= 0 {
		cfg.Budget.MaxCostUSD = def.Budget.MaxCostUSD
	}
	if cfg.Budget.MaxDurationHours <= 0 {
		cfg.Budget.MaxDurationHours = def.Budget.MaxDurationHours
	}
	if cfg.Approval.Capacity <= 0 {
		cfg.Approval.Capacity = def.Approval.Capacity
	}
	if cfg.Approval.DefaultTimeoutMinutes <= 0 {
		cfg.Approval.DefaultTimeoutMinutes = def.Approval.DefaultTimeoutMinutes
	}
	if cfg.Retention.SessionTTLDays <= 0 {
		cfg.Retention.SessionTTLDays = def.Retention.SessionTTLDays
	}
	if cfg.Retention.MaxCheckpointsPerSession <= 0 {
		cfg.Retention.MaxCheckpointsPerSession = def.Retention.MaxCheckpointsPerSession
	}
	if cfg.Retention.CheckpointTTLHours <= 0 {
		cfg.Retention.CheckpointTTLHours = def.Retention.CheckpointTTLHours
	}
	if cfg.Retention.SweepSchedule == "" {
		cfg.Retention.SweepSchedule = def.Retention.SweepSchedule
	}
	if cfg.Recovery.StaleHeartbeatSeconds <= 0 {
		cfg.Recovery.StaleHeartbeatSeconds = def.Recovery.StaleHeartbeatSeconds
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = def.Telemetry.Exporter
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
}

// CheckpointInterval returns the loop checkpoint interval as a duration.
func (c Config) CheckpointInterval() time.Duration {
	return time.Duration(c.Loop.CheckpointIntervalMinutes) * time.Minute
}

// StaleHeartbeatThreshold returns the recovery staleness threshold.
func (c Config) StaleHeartbeatThreshold() time.Duration {
	return time.Duration(c.Recovery.StaleHeartbeatSeconds) * time.Second
}

// DBPath returns the learning database location.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "aegis.db")
}
